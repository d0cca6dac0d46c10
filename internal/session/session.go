// Package session couples incoming user events to a conversation tree and
// its generation jobs. Each Session owns one Loom and runs a single loop
// goroutine: every tree mutation and every job start or cancel happens on
// that goroutine, so at most one job is active per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/loom/internal/genjob"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/metrics"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

// ErrClosed is returned by Send once the session loop has stopped.
var ErrClosed = errors.New("session: closed")

// Agent states published on every change.
const (
	StateListening = "listening"
	StateThinking  = "thinking"
	StateSpeaking  = "speaking"
)

const (
	inboxSize       = 64
	teardownTimeout = 5 * time.Second
)

type Source int

const (
	// SourceChat text is final and stored as soon as it arrives.
	SourceChat Source = iota
	// SourceSpeech text is a transcript segment; it stays provisional until
	// the agent starts answering it.
	SourceSpeech
)

type UserText struct {
	Text        string
	Source      Source
	Participant string
}

// RegenerateAt asks for a new alternative of NodeID.
type RegenerateAt struct {
	NodeID string
}

type CharacterCardLoaded struct {
	ID               string
	Name             string
	Prompt           string
	StartingMessages []string
	Voice            string
	BaseModel        string
	Intro            string
}

type SetCurrent struct {
	NodeID string
}

// RequestTree re-broadcasts the whole tree.
type RequestTree struct{}

// EditNode changes a node in place. Nil fields are left as they are; a
// deleted node stays in the tree with its flag set.
type EditNode struct {
	NodeID  string
	Text    *string
	Deleted *bool
}

// Broadcaster publishes tree changes and agent state.
type Broadcaster interface {
	PublishNode(sessionID string, n *store.Node) error
	PublishNodeUpdates(sessionID string, nodes []*store.Node) error
	PublishTree(sessionID string, nodes []*store.Node) error
	PublishState(sessionID, state string) error
}

// BackendFactory builds the generation backends for a session. voice is the
// character's voice, empty for the default.
type BackendFactory func(sessionID, voice string) genjob.Backends

type Options struct {
	ID          string
	Loom        *loom.Loom
	Backends    BackendFactory
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// Intro is spoken when the loop starts.
	Intro string
	Voice string
	Model string
}

type Session struct {
	id          string
	loom        *loom.Loom
	newBackends BackendFactory
	bus         Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	intro       string

	inbox chan any
	done  chan struct{}

	// Owned by the loop goroutine.
	backends genjob.Backends
	model    string
	state    string
	pending  string
	active   *activeJob
}

// activeJob is the loop's bookkeeping for the running job.
type activeJob struct {
	job *genjob.Job

	// anchor is the node the reply attaches under, fixed at job start.
	anchor string

	// provisional is the speech transcript this job answers; it is stored
	// as a user node when the agent starts speaking.
	provisional string
	userNodeID  string
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:          opts.ID,
		loom:        opts.Loom,
		newBackends: opts.Backends,
		bus:         opts.Broadcaster,
		metrics:     opts.Metrics,
		logger:      logger.With("session_id", opts.ID),
		intro:       opts.Intro,
		inbox:       make(chan any, inboxSize),
		done:        make(chan struct{}),
		model:       opts.Model,
	}
	if s.newBackends != nil {
		s.backends = s.newBackends(opts.ID, opts.Voice)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Loom exposes the tree for reads. Mutations go through Send.
func (s *Session) Loom() *loom.Loom { return s.loom }

// Done is closed when the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues an input for the loop.
func (s *Session) Send(ctx context.Context, input any) error {
	select {
	case s.inbox <- input:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes inputs and job events until ctx ends. Any running job is
// cancelled and awaited before Run returns.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		s.stopJob(tctx)
	}()

	if s.intro != "" {
		s.speakIntro(ctx, s.intro)
	}

	for {
		var events <-chan genjob.Event
		if s.active != nil {
			events = s.active.job.Events()
		}

		select {
		case <-ctx.Done():
			return
		case in := <-s.inbox:
			s.handle(ctx, in)
		case ev, ok := <-events:
			if !ok {
				s.jobEnded()
				continue
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, in any) {
	switch in := in.(type) {
	case UserText:
		s.handleUserText(ctx, in)
	case RegenerateAt:
		s.handleRegenerate(ctx, in)
	case CharacterCardLoaded:
		s.handleCard(ctx, in)
	case SetCurrent:
		s.stopJob(ctx)
		if !s.loom.SetCurrent(in.NodeID) {
			s.logger.Warn("select unknown node", "node_id", in.NodeID)
		}
	case RequestTree:
		s.publishTree()
	case EditNode:
		s.handleEdit(ctx, in)
	default:
		s.logger.Warn("unknown session input", "type", fmt.Sprintf("%T", in))
	}
}

func (s *Session) handleUserText(ctx context.Context, in UserText) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	s.stopJob(ctx)

	if in.Source == SourceSpeech {
		if s.pending == "" {
			s.pending = text
		} else {
			s.pending += " " + text
		}
		s.startJob(ctx, genjob.Request{Input: s.pending, AppendInput: true}, s.pending)
		return
	}

	// Speech the agent never answered is kept ahead of the typed message.
	if s.pending != "" {
		if _, err := s.addNode(ctx, store.RoleUser, s.pending, loom.MessageOptions{}); err != nil {
			return
		}
		s.pending = ""
	}
	if _, err := s.addNode(ctx, store.RoleUser, text, loom.MessageOptions{Participant: in.Participant}); err != nil {
		return
	}
	s.startJob(ctx, genjob.Request{Input: text}, "")
}

func (s *Session) handleRegenerate(ctx context.Context, in RegenerateAt) {
	s.stopJob(ctx)
	s.pending = ""

	text, ok := s.loom.RollBackToParent(in.NodeID)
	if !ok {
		s.logger.Warn("regenerate: node or parent not found", "node_id", in.NodeID)
		return
	}
	s.logger.Info("regenerating", "node_id", in.NodeID)
	s.startJob(ctx, genjob.Request{Input: text}, "")
}

func (s *Session) handleCard(ctx context.Context, card CharacterCardLoaded) {
	s.stopJob(ctx)
	s.pending = ""

	if card.Voice != "" && s.newBackends != nil {
		s.backends = s.newBackends(s.id, card.Voice)
	}
	if card.BaseModel != "" {
		s.model = card.BaseModel
	}

	if _, err := s.addNode(ctx, store.RoleSystem, card.Prompt, loom.MessageOptions{NewRoot: true, Model: s.model}); err != nil {
		return
	}
	for _, msg := range card.StartingMessages {
		if _, err := s.addNode(ctx, store.RoleAssistant, msg, loom.MessageOptions{Model: s.model}); err != nil {
			return
		}
	}
	s.logger.Info("character card loaded",
		"card_id", card.ID,
		"name", card.Name,
		"starting_messages", len(card.StartingMessages),
	)
	s.publishTree()

	if card.Intro != "" {
		s.speakIntro(ctx, card.Intro)
	}
}

func (s *Session) handleEdit(ctx context.Context, in EditNode) {
	if in.Text == nil && in.Deleted == nil {
		return
	}
	n, err := s.loom.UpdateNode(ctx, in.NodeID, loom.NodeUpdate{Text: in.Text, Deleted: in.Deleted})
	if errors.Is(err, loom.ErrNotFound) {
		s.logger.Warn("edit unknown node", "node_id", in.NodeID)
		return
	}
	if err != nil {
		s.metrics.StoreError("update")
		s.logger.Error("failed to update node", "node_id", in.NodeID, "error", err)
		return
	}
	s.logger.Info("node edited", "node_id", n.ID, "deleted", n.Deleted)

	if s.bus == nil {
		return
	}
	if err := s.bus.PublishNodeUpdates(s.id, []*store.Node{n}); err != nil {
		s.logger.Warn("publish node update failed", "node_id", n.ID, "error", err)
	}
}

func (s *Session) speakIntro(ctx context.Context, intro string) {
	s.startJob(ctx, genjob.Request{ForceText: intro}, "")
}

// startJob launches a job answering the history at the cursor. provisional
// is the uncommitted speech transcript the job answers, if any.
func (s *Session) startJob(ctx context.Context, req genjob.Request, provisional string) {
	history, err := s.loom.CurrentHistory()
	if err != nil {
		// A corrupt path degrades to an empty history.
		s.logger.Error("history unavailable", "error", err)
		history = nil
	}
	req.History = history

	var anchor string
	if cur, ok := s.loom.Current(); ok {
		anchor = cur.ID
	}

	job, err := genjob.Start(ctx, req, s.backends, s.logger)
	if err != nil {
		s.logger.Error("failed to start generation", "error", err)
		return
	}
	s.active = &activeJob{job: job, anchor: anchor, provisional: provisional}
	s.metrics.JobStarted()
	s.setState(StateThinking)
	s.logger.Debug("generation started", "job_id", job.ID().String(), "anchor", anchor)
}

// stopJob cancels the running job and waits for its teardown.
func (s *Session) stopJob(ctx context.Context) {
	if s.active == nil {
		return
	}
	a := s.active
	s.active = nil

	if err := a.job.Cancel(ctx); err != nil {
		s.logger.Warn("job teardown incomplete", "job_id", a.job.ID().String(), "error", err)
	}
	outcome := metrics.OutcomeCancelled
	if a.job.Gate().Committed() {
		outcome = metrics.OutcomeCommitted
	}
	s.metrics.JobEnded(outcome)
	s.setState(StateListening)
}

func (s *Session) jobEnded() {
	a := s.active
	s.active = nil

	outcome := metrics.OutcomeDiscarded
	switch {
	case a.job.Gate().Committed():
		outcome = metrics.OutcomeCommitted
	case a.job.Err() != nil:
		outcome = metrics.OutcomeFailed
	}
	s.metrics.JobEnded(outcome)
	s.logger.Debug("generation ended", "job_id", a.job.ID().String(), "outcome", outcome)
	s.setState(StateListening)
}

func (s *Session) handleEvent(ctx context.Context, ev genjob.Event) {
	a := s.active
	if a == nil || ev.JobID != a.job.ID() {
		return
	}
	commit := func() error { return s.commitReply(ctx, a) }

	switch ev.Type {
	case genjob.EventAgentResponse:
		if !ev.Finished {
			return
		}
		if _, err := a.job.Gate().MarkFinished(commit); err != nil {
			s.logger.Error("commit reply failed", "error", err)
		}

	case genjob.EventAgentSpeaking:
		if !ev.Speaking {
			s.setState(StateListening)
			return
		}
		s.setState(StateSpeaking)
		if a.provisional != "" && a.userNodeID == "" {
			n, err := s.addNode(ctx, store.RoleUser, a.provisional, loom.MessageOptions{ParentID: a.anchor})
			if err != nil {
				return
			}
			a.userNodeID = n.ID
			s.pending = ""
		}
		if _, err := a.job.Gate().MarkSpoken(commit); err != nil {
			s.logger.Error("commit reply failed", "error", err)
		}
	}
}

// commitReply stores the job's response. It runs under the job's commit gate.
func (s *Session) commitReply(ctx context.Context, a *activeJob) error {
	parent := a.anchor
	if a.userNodeID != "" {
		parent = a.userNodeID
	}
	opts := loom.MessageOptions{ParentID: parent, Model: s.model}
	if parent == "" {
		opts.NewRoot = true
	}
	n, err := s.addNode(ctx, store.RoleAssistant, a.job.CurrentResponse(), opts)
	if err != nil {
		return err
	}
	s.logger.Info("reply committed", "job_id", a.job.ID().String(), "node_id", n.ID)
	return nil
}

// addNode adds a message and announces it together with every sibling whose
// alternates changed.
func (s *Session) addNode(ctx context.Context, role store.Role, text string, opts loom.MessageOptions) (*store.Node, error) {
	n, err := s.loom.AddMessage(ctx, role, text, opts)
	if err != nil {
		s.metrics.StoreError("put")
		s.logger.Error("failed to add message", "role", string(role), "error", err)
		return nil, err
	}
	s.metrics.NodeAdded(string(role))

	if s.bus == nil {
		return n, nil
	}
	if err := s.bus.PublishNode(s.id, n); err != nil {
		s.logger.Warn("publish node failed", "node_id", n.ID, "error", err)
	}
	if n.IsRoot() {
		return n, nil
	}
	var siblings []*store.Node
	for _, c := range s.loom.Children(n.ParentID) {
		if c.ID != n.ID {
			siblings = append(siblings, c)
		}
	}
	if len(siblings) > 0 {
		if err := s.bus.PublishNodeUpdates(s.id, siblings); err != nil {
			s.logger.Warn("publish sibling updates failed", "node_id", n.ID, "error", err)
		}
	}
	return n, nil
}

func (s *Session) publishTree() {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishTree(s.id, s.loom.CollectAll()); err != nil {
		s.logger.Warn("publish tree failed", "error", err)
	}
}

func (s *Session) setState(state string) {
	if s.state == state {
		return
	}
	s.state = state
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishState(s.id, state); err != nil {
		s.logger.Warn("publish state failed", "state", state, "error", err)
	}
}
