// Package genjob runs one cancellable response attempt: a text stream from a
// generator, optionally voiced through a synthesizer into an audio sink, with
// a typed event sequence for the session that started it.
package genjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

type EventType int

const (
	// EventAgentResponse carries a text delta, or Finished at the end of the
	// stream.
	EventAgentResponse EventType = iota + 1
	// EventAgentSpeaking reports playback starting (Speaking) and ending.
	EventAgentSpeaking
)

func (t EventType) String() string {
	switch t {
	case EventAgentResponse:
		return "agent_response"
	case EventAgentSpeaking:
		return "agent_speaking"
	default:
		return "unknown"
	}
}

type Event struct {
	Type     EventType
	JobID    uuid.UUID
	Delta    string
	Finished bool
	Speaking bool
}

// Request describes one generation attempt.
type Request struct {
	// History is the conversation up to the cursor. It is copied at start.
	History []loom.Message

	// Input is the user text that triggered the job.
	Input string

	// AppendInput adds Input as a trailing user turn. Used for provisional
	// speech transcripts that are not in the tree yet.
	AppendInput bool

	// ForceText is spoken verbatim; the generator is not called.
	ForceText string
}

type Generator interface {
	GenerateStream(ctx context.Context, history []loom.Message) (TextStream, error)
}

// TextStream yields text deltas. Err reports why Next returned false, nil on a
// clean end.
type TextStream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

type AudioFrame struct {
	Data              []byte
	SampleRate        int
	Channels          int
	SamplesPerChannel int
}

// Synthesizer voices text into frames. It must stop sending once ctx ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, frames chan<- AudioFrame) error
}

// AudioSink plays frames. ClearQueue drops anything buffered but not yet
// played.
type AudioSink interface {
	CaptureFrame(ctx context.Context, frame AudioFrame) error
	ClearQueue()
}

// Backends are the collaborators a job drives. Synthesizer and Sink are
// optional together; without them the text itself is what surfaces.
type Backends struct {
	Generator   Generator
	Synthesizer Synthesizer
	Sink        AudioSink
}

func (b Backends) voiced() bool { return b.Synthesizer != nil }

type Job struct {
	id       uuid.UUID
	req      Request
	history  []loom.Message
	backends Backends
	logger   *slog.Logger
	gate     *CommitGate

	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	cancelRun context.CancelFunc
	cancelled atomic.Bool
	stopOnce  sync.Once
	clearOnce sync.Once

	mu       sync.Mutex
	response strings.Builder
	finished bool
	surfaced bool
	err      error
}

// Start launches a job. The returned job's Events channel is closed once the
// job has fully torn down.
func Start(ctx context.Context, req Request, b Backends, logger *slog.Logger) (*Job, error) {
	if req.ForceText == "" && b.Generator == nil {
		return nil, errors.New("start job: no generator configured")
	}
	if b.Synthesizer != nil && b.Sink == nil {
		return nil, errors.New("start job: synthesizer without audio sink")
	}
	if logger == nil {
		logger = slog.Default()
	}

	history := slices.Clone(req.History)
	if req.AppendInput && req.Input != "" {
		history = append(history, loom.Message{Role: store.RoleUser, Text: req.Input})
	}

	runCtx, cancel := context.WithCancel(ctx)
	j := &Job{
		id:        uuid.New(),
		req:       req,
		history:   history,
		backends:  b,
		gate:      &CommitGate{},
		events:    make(chan Event, 32),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		cancelRun: cancel,
	}
	j.logger = logger.With("job_id", j.id.String())

	go j.run(runCtx)
	return j, nil
}

func (j *Job) ID() uuid.UUID { return j.id }

func (j *Job) Request() Request { return j.req }

// Gate is the job's commit latch.
func (j *Job) Gate() *CommitGate { return j.gate }

// Events delivers the job's event sequence.
func (j *Job) Events() <-chan Event { return j.events }

// Done is closed when teardown completes.
func (j *Job) Done() <-chan struct{} { return j.done }

// CurrentResponse is the text accumulated so far.
func (j *Job) CurrentResponse() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.response.String()
}

func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// Err is the backend failure that ended the job, if any. Valid after Done.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel stops the job and blocks until teardown completes or ctx ends. It
// is safe to call more than once. The commit gate is closed first, so no
// commit can start once Cancel returns.
func (j *Job) Cancel(ctx context.Context) error {
	j.stopOnce.Do(func() {
		j.gate.Cancel()
		j.cancelled.Store(true)
		close(j.stop)
		j.cancelRun()
	})

	var err error
	select {
	case <-j.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	j.clearOnce.Do(func() {
		if j.backends.Sink != nil {
			j.backends.Sink.ClearQueue()
		}
	})
	return err
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)
	defer close(j.events)
	defer j.cancelRun()

	segments := make(chan string, 8)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(segments)
		return j.produceText(gctx, segments)
	})

	if j.backends.voiced() {
		frames := make(chan AudioFrame, 64)
		g.Go(func() error {
			defer close(frames)
			for seg := range segments {
				if err := j.backends.Synthesizer.Synthesize(gctx, seg, frames); err != nil {
					return fmt.Errorf("synthesize: %w", err)
				}
			}
			return nil
		})
		g.Go(func() error { return j.playback(gctx, frames) })
	} else {
		g.Go(func() error {
			for range segments {
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil || j.cancelled.Load() {
		return
	}
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
	j.logger.Error("generation job failed", "error", err)
}

func (j *Job) produceText(ctx context.Context, segments chan<- string) error {
	seg := newSegmenter(MinSegmentLen)

	if j.req.ForceText != "" {
		if !j.delta(ctx, j.req.ForceText, seg, segments) {
			return nil
		}
	} else {
		stream, err := j.backends.Generator.GenerateStream(ctx, j.history)
		if err != nil {
			return fmt.Errorf("open generation stream: %w", err)
		}
		defer stream.Close()

		for stream.Next() {
			if !j.delta(ctx, stream.Current(), seg, segments) {
				return nil
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("generation stream: %w", err)
		}
	}

	if rest := seg.Flush(); rest != "" {
		if !sendSegment(ctx, segments, rest) {
			return nil
		}
	}

	j.mu.Lock()
	j.finished = true
	surfaced := j.surfaced
	j.mu.Unlock()
	j.emit(Event{Type: EventAgentResponse, Finished: true})

	if !j.backends.voiced() && surfaced {
		j.emit(Event{Type: EventAgentSpeaking, Speaking: false})
	}
	return nil
}

// delta records one piece of generated text. It returns false once the job
// should stop producing.
func (j *Job) delta(ctx context.Context, text string, seg *segmenter, segments chan<- string) bool {
	if text == "" {
		return !j.cancelled.Load()
	}

	j.mu.Lock()
	j.response.WriteString(text)
	first := !j.surfaced && !j.backends.voiced()
	if first {
		j.surfaced = true
	}
	j.mu.Unlock()

	if !j.emit(Event{Type: EventAgentResponse, Delta: text}) {
		return false
	}
	if first && !j.emit(Event{Type: EventAgentSpeaking, Speaking: true}) {
		return false
	}
	for _, s := range seg.Push(text) {
		if !sendSegment(ctx, segments, s) {
			return false
		}
	}
	return true
}

func (j *Job) playback(ctx context.Context, frames <-chan AudioFrame) error {
	started := false
	for f := range frames {
		if j.cancelled.Load() {
			continue
		}
		if !started {
			started = true
			j.emit(Event{Type: EventAgentSpeaking, Speaking: true})
		}
		if err := j.backends.Sink.CaptureFrame(ctx, f); err != nil {
			return fmt.Errorf("play frame: %w", err)
		}
	}
	if started {
		j.emit(Event{Type: EventAgentSpeaking, Speaking: false})
	}
	return nil
}

// emit delivers ev unless the job has been cancelled.
func (j *Job) emit(ev Event) bool {
	if j.cancelled.Load() {
		return false
	}
	ev.JobID = j.id
	select {
	case j.events <- ev:
		return true
	case <-j.stop:
		return false
	}
}

func sendSegment(ctx context.Context, segments chan<- string, s string) bool {
	select {
	case segments <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
