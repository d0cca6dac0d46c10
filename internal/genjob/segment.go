package genjob

import "strings"

// MinSegmentLen is the shortest text handed to the synthesizer, except for
// the tail flushed at the end of a response.
const MinSegmentLen = 20

// segmenter groups streamed text into sentence-sized pieces for synthesis.
type segmenter struct {
	min int
	buf string
}

func newSegmenter(min int) *segmenter {
	if min <= 0 {
		min = MinSegmentLen
	}
	return &segmenter{min: min}
}

// Push appends delta and returns every complete segment now available. A
// segment ends at a newline or at sentence punctuation followed by whitespace,
// once it holds at least min characters.
func (s *segmenter) Push(delta string) []string {
	s.buf += delta
	var out []string
	for {
		cut := s.boundary()
		if cut < 0 {
			return out
		}
		if seg := strings.TrimSpace(s.buf[:cut]); seg != "" {
			out = append(out, seg)
		}
		s.buf = strings.TrimLeft(s.buf[cut:], " \t\n")
	}
}

// Flush returns whatever is left.
func (s *segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}

func (s *segmenter) boundary() int {
	for i := 0; i+1 < len(s.buf); i++ {
		switch s.buf[i] {
		case '.', '!', '?', ';', '\n':
		default:
			continue
		}
		if i+1 < s.min {
			continue
		}
		if s.buf[i] == '\n' {
			return i + 1
		}
		switch s.buf[i+1] {
		case ' ', '\n', '\t':
			return i + 1
		}
	}
	return -1
}
