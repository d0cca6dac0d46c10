package speech

import (
	"context"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/loom/internal/genjob"
	"github.com/MikeSquared-Agency/loom/internal/hermes"
)

// Publisher is the part of the bus client the sink needs.
type Publisher interface {
	Publish(subject string, data any) error
	PublishRaw(subject string, data []byte) error
}

// DefaultLead is how far ahead of real time the sink may publish.
const DefaultLead = 200 * time.Millisecond

// BusSink publishes raw PCM frames on a session's audio subject, paced to
// real time so a listener's buffer never holds more than the lead. Clearing
// publishes an audio.flush so the listener drops what it buffered.
type BusSink struct {
	pub       Publisher
	sessionID string
	lead      time.Duration

	mu       sync.Mutex
	playhead time.Time
	now      func() time.Time
}

var _ genjob.AudioSink = (*BusSink)(nil)

func NewBusSink(pub Publisher, sessionID string) *BusSink {
	return &BusSink{pub: pub, sessionID: sessionID, lead: DefaultLead, now: time.Now}
}

func (s *BusSink) CaptureFrame(ctx context.Context, f genjob.AudioFrame) error {
	if err := s.pub.PublishRaw(hermes.SessionSubject(s.sessionID, hermes.KindAudio), f.Data); err != nil {
		return err
	}

	wait := s.advance(frameDuration(f))
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearQueue resets the playhead and tells the listener to drop buffered audio.
func (s *BusSink) ClearQueue() {
	s.mu.Lock()
	s.playhead = time.Time{}
	s.mu.Unlock()
	_ = s.pub.Publish(hermes.SessionSubject(s.sessionID, hermes.KindAudioFlush), map[string]string{"session_id": s.sessionID})
}

// advance moves the playhead by d and returns how long the caller should wait
// to stay within the lead.
func (s *BusSink) advance(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.playhead.Before(now) {
		s.playhead = now
	}
	s.playhead = s.playhead.Add(d)
	return s.playhead.Sub(now) - s.lead
}

func frameDuration(f genjob.AudioFrame) time.Duration {
	rate := f.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	samples := f.SamplesPerChannel
	if samples == 0 {
		ch := max(f.Channels, 1)
		samples = len(f.Data) / (bytesPerSample * ch)
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
