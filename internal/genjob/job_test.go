package genjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

type scriptGen struct {
	deltas  []string
	fail    error
	openErr error
	block   bool

	mu    sync.Mutex
	calls [][]loom.Message
}

func (g *scriptGen) GenerateStream(ctx context.Context, history []loom.Message) (TextStream, error) {
	g.mu.Lock()
	g.calls = append(g.calls, history)
	g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &scriptStream{ctx: ctx, deltas: g.deltas, fail: g.fail, block: g.block}, nil
}

func (g *scriptGen) Calls() [][]loom.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type scriptStream struct {
	ctx    context.Context
	deltas []string
	fail   error
	block  bool
	cur    string
	err    error
}

func (s *scriptStream) Next() bool {
	if len(s.deltas) > 0 {
		s.cur, s.deltas = s.deltas[0], s.deltas[1:]
		return true
	}
	if s.block {
		<-s.ctx.Done()
		s.err = s.ctx.Err()
		return false
	}
	s.err = s.fail
	return false
}

func (s *scriptStream) Current() string { return s.cur }
func (s *scriptStream) Err() error      { return s.err }
func (s *scriptStream) Close() error    { return nil }

// echoSynth turns every segment into one frame carrying the segment text.
type echoSynth struct {
	fail error

	mu    sync.Mutex
	texts []string
}

func (s *echoSynth) Synthesize(ctx context.Context, text string, frames chan<- AudioFrame) error {
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	select {
	case frames <- AudioFrame{Data: []byte(text), SampleRate: 24000, Channels: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *echoSynth) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.texts
}

type recordSink struct {
	hold chan struct{}

	mu     sync.Mutex
	played []string
	clears int
}

func (s *recordSink) CaptureFrame(ctx context.Context, f AudioFrame) error {
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.played = append(s.played, string(f.Data))
	s.mu.Unlock()
	return nil
}

func (s *recordSink) ClearQueue() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *recordSink) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

func (s *recordSink) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func collect(t *testing.T, j *Job) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-j.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("job did not finish; events so far: %+v", out)
		}
	}
}

func next(t *testing.T, j *Job) Event {
	t.Helper()
	select {
	case ev, ok := <-j.Events():
		require.True(t, ok, "events closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func hasFinished(events []Event) bool {
	for _, ev := range events {
		if ev.Type == EventAgentResponse && ev.Finished {
			return true
		}
	}
	return false
}

func speakingFlags(events []Event) []bool {
	var out []bool
	for _, ev := range events {
		if ev.Type == EventAgentSpeaking {
			out = append(out, ev.Speaking)
		}
	}
	return out
}

var helperHistory = []loom.Message{
	{Role: store.RoleSystem, Text: "You are a helper"},
	{Role: store.RoleUser, Text: "hi"},
}

func TestJob_TextOnlyEventSequence(t *testing.T) {
	gen := &scriptGen{deltas: []string{"Hel", "lo!"}}
	j, err := Start(context.Background(), Request{History: helperHistory}, Backends{Generator: gen}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	want := []Event{
		{Type: EventAgentResponse, Delta: "Hel"},
		{Type: EventAgentSpeaking, Speaking: true},
		{Type: EventAgentResponse, Delta: "lo!"},
		{Type: EventAgentResponse, Finished: true},
		{Type: EventAgentSpeaking, Speaking: false},
	}
	require.Len(t, events, len(want))
	for i := range want {
		want[i].JobID = j.ID()
		assert.Equal(t, want[i], events[i], "event %d", i)
	}
	assert.Equal(t, "Hello!", j.CurrentResponse())
	assert.True(t, j.Finished())
	assert.NoError(t, j.Err())
	assert.Equal(t, [][]loom.Message{helperHistory}, gen.Calls())
}

func TestJob_EmptyGenerationNeverSpeaks(t *testing.T) {
	gen := &scriptGen{deltas: []string{"", ""}}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	assert.True(t, hasFinished(events))
	assert.Empty(t, speakingFlags(events))
	assert.Equal(t, "", j.CurrentResponse())
}

func TestJob_AppendInputAddsUserTurn(t *testing.T) {
	gen := &scriptGen{deltas: []string{"ok"}}
	req := Request{History: helperHistory[:1], Input: "what time is it", AppendInput: true}
	j, err := Start(context.Background(), req, Backends{Generator: gen}, nil)
	require.NoError(t, err)
	collect(t, j)

	calls := gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []loom.Message{
		{Role: store.RoleSystem, Text: "You are a helper"},
		{Role: store.RoleUser, Text: "what time is it"},
	}, calls[0])
	assert.Len(t, req.History, 1, "caller history must not be modified")
}

func TestJob_ForceTextSkipsGenerator(t *testing.T) {
	gen := &scriptGen{deltas: []string{"never"}}
	j, err := Start(context.Background(), Request{ForceText: "Welcome back."}, Backends{Generator: gen}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	assert.Empty(t, gen.Calls())
	assert.Equal(t, "Welcome back.", j.CurrentResponse())
	assert.True(t, hasFinished(events))
	assert.Equal(t, []bool{true, false}, speakingFlags(events))
}

func TestJob_VoicedPlaysSegments(t *testing.T) {
	gen := &scriptGen{deltas: []string{"This is the first sentence. ", "Short tail"}}
	synth := &echoSynth{}
	sink := &recordSink{}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen, Synthesizer: synth, Sink: sink}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	assert.True(t, hasFinished(events))
	assert.Equal(t, []bool{true, false}, speakingFlags(events))
	assert.Equal(t, []string{"This is the first sentence.", "Short tail"}, synth.Texts())
	assert.Equal(t, []string{"This is the first sentence.", "Short tail"}, sink.Played())
	assert.Equal(t, 0, sink.Clears())
}

func TestJob_VoicedEmptyResponseNeverSpeaks(t *testing.T) {
	gen := &scriptGen{}
	sink := &recordSink{}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen, Synthesizer: &echoSynth{}, Sink: sink}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	assert.True(t, hasFinished(events))
	assert.Empty(t, speakingFlags(events))
	assert.Empty(t, sink.Played())
}

func TestJob_CancelStopsBlockedStream(t *testing.T) {
	gen := &scriptGen{deltas: []string{"Hi"}, block: true}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen}, nil)
	require.NoError(t, err)

	first := next(t, j)
	assert.Equal(t, "Hi", first.Delta)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, j.Cancel(ctx))

	select {
	case <-j.Done():
	default:
		t.Fatal("Cancel returned before teardown finished")
	}
	rest := collect(t, j)
	assert.False(t, hasFinished(rest))
	assert.True(t, j.Cancelled())
	assert.NoError(t, j.Err(), "cancellation is not a backend failure")

	fired, _ := j.Gate().MarkFinished(func() error {
		t.Fatal("cancelled job must not commit")
		return nil
	})
	assert.False(t, fired)
}

func TestJob_CancelIsIdempotent(t *testing.T) {
	gen := &scriptGen{block: true}
	sink := &recordSink{}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen, Synthesizer: &echoSynth{}, Sink: sink}, nil)
	require.NoError(t, err)

	require.NoError(t, j.Cancel(context.Background()))
	require.NoError(t, j.Cancel(context.Background()))
	collect(t, j)
	assert.Equal(t, 1, sink.Clears())
}

func TestJob_CancelDuringPlaybackClearsSink(t *testing.T) {
	gen := &scriptGen{deltas: []string{"A sentence that is long enough. ", "Another one follows here."}}
	sink := &recordSink{hold: make(chan struct{})}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen, Synthesizer: &echoSynth{}, Sink: sink}, nil)
	require.NoError(t, err)

	for {
		ev := next(t, j)
		if ev.Type == EventAgentSpeaking && ev.Speaking {
			break
		}
	}
	require.NoError(t, j.Cancel(context.Background()))
	collect(t, j)

	assert.Empty(t, sink.Played())
	assert.Equal(t, 1, sink.Clears())
	assert.NoError(t, j.Err())
	fired, _ := j.Gate().MarkFinished(nil)
	assert.False(t, fired)
	assert.False(t, j.Gate().Committed())
}

func TestJob_CancelWithExpiredContext(t *testing.T) {
	gen := &scriptGen{block: true}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Teardown may or may not have completed; either way the job ends.
	_ = j.Cancel(ctx)
	collect(t, j)
	<-j.Done()
}

func TestJob_StreamFailureEndsWithoutFinish(t *testing.T) {
	boom := errors.New("upstream 500")
	gen := &scriptGen{deltas: []string{"partial"}, fail: boom}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	assert.False(t, hasFinished(events))
	assert.ErrorIs(t, j.Err(), boom)
	assert.Equal(t, "partial", j.CurrentResponse())
}

func TestJob_OpenFailure(t *testing.T) {
	boom := errors.New("no credentials")
	j, err := Start(context.Background(), Request{}, Backends{Generator: &scriptGen{openErr: boom}}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	assert.Empty(t, events)
	assert.ErrorIs(t, j.Err(), boom)
}

func TestJob_SynthFailure(t *testing.T) {
	boom := errors.New("tts quota")
	gen := &scriptGen{deltas: []string{"Hello there, how are you today? "}}
	j, err := Start(context.Background(), Request{}, Backends{Generator: gen, Synthesizer: &echoSynth{fail: boom}, Sink: &recordSink{}}, nil)
	require.NoError(t, err)

	events := collect(t, j)

	assert.Empty(t, speakingFlags(events))
	assert.ErrorIs(t, j.Err(), boom)
}

func TestStart_Validation(t *testing.T) {
	_, err := Start(context.Background(), Request{}, Backends{}, nil)
	assert.Error(t, err)

	_, err = Start(context.Background(), Request{}, Backends{Generator: &scriptGen{}, Synthesizer: &echoSynth{}}, nil)
	assert.Error(t, err)
}
