package genjob

import "sync"

// CommitGate decides the instant a response becomes durable. A commit fires
// once both the finished and the spoken flags are set, at most once, and never
// after Cancel. The commit callback runs under the gate lock, so a concurrent
// Cancel either happens entirely before it (commit suppressed) or entirely
// after it.
type CommitGate struct {
	mu        sync.Mutex
	finished  bool
	spoken    bool
	committed bool
	cancelled bool
}

// MarkFinished records the end of text generation. It reports whether this
// call fired the commit; err is the commit callback's error.
func (g *CommitGate) MarkFinished(commit func() error) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.finished = true
	return g.fire(commit)
}

// MarkSpoken records that the response started surfacing to the user.
func (g *CommitGate) MarkSpoken(commit func() error) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.spoken = true
	return g.fire(commit)
}

// Cancel closes the gate. It returns false when the commit already happened.
func (g *CommitGate) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.committed {
		return false
	}
	g.cancelled = true
	return true
}

func (g *CommitGate) Committed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed
}

func (g *CommitGate) Spoken() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spoken
}

func (g *CommitGate) fire(commit func() error) (bool, error) {
	if g.cancelled || g.committed || !g.finished || !g.spoken {
		return false, nil
	}
	// The latch closes even when the callback fails.
	g.committed = true
	if commit == nil {
		return true, nil
	}
	return true, commit()
}
