package anthropic

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// event is the subset of Messages API stream events the client reads.
type event struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream reads text deltas from a server-sent event body.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cur     string
	err     error
	done    bool
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: body, scanner: sc}
}

func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return s.fail(fmt.Errorf("decode stream event: %w", err))
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type != "text_delta" {
				continue
			}
			s.cur = ev.Delta.Text
			return true
		case "message_stop":
			s.done = true
			return false
		case "error":
			return s.fail(fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return s.fail(fmt.Errorf("read stream: %w", err))
	}
	return s.fail(errors.New("stream ended before message_stop"))
}

func (s *Stream) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}

func (s *Stream) Current() string { return s.cur }

func (s *Stream) Err() error { return s.err }

func (s *Stream) Close() error { return s.body.Close() }
