package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/loom/internal/hermes"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/metrics"
)

const handlerTimeout = 5 * time.Second

// Subscriber is the part of the hermes client the manager subscribes with.
type Subscriber interface {
	Subscribe(subject string, handler func(subject string, data []byte)) error
}

type ManagerOptions struct {
	Store       loom.NodeStore
	Backends    BackendFactory
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// DefaultCard seeds sessions whose tree is empty.
	DefaultCard *CharacterCardLoaded
}

// Manager keeps one Session per session id. The session id doubles as the
// tree's conversation id and character scope.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Subscribe registers the manager's handlers for every session subject.
func (m *Manager) Subscribe(sub Subscriber) error {
	handlers := map[string]func(string, []byte){
		hermes.KindText:       m.HandleText,
		hermes.KindTranscript: m.HandleTranscript,
		hermes.KindCommand:    m.HandleCommand,
		hermes.KindCard:       m.HandleCard,
	}
	for kind, h := range handlers {
		if err := sub.Subscribe(hermes.SessionWildcard(kind), h); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns a running session without creating it.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions lists the ids of running sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ErrUnknownSession is returned by View for an id that is neither running
// nor stored.
var ErrUnknownSession = errors.New("session: unknown session")

// View returns the tree of a session for reading. A running session's live
// tree is returned; otherwise the stored tree is loaded without starting the
// session. An id with no stored nodes yields ErrUnknownSession.
func (m *Manager) View(ctx context.Context, id string) (*loom.Loom, error) {
	if s, ok := m.Lookup(id); ok {
		return s.Loom(), nil
	}
	l, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := l.Current(); !ok {
		return nil, ErrUnknownSession
	}
	return l, nil
}

// Get returns the session for id, loading its tree and starting its loop on
// first use. A session with an empty tree is seeded from the default card.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	closed := m.ctx.Err() != nil
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrClosed
	}

	// Loaded outside the lock; a concurrent Get for the same id may win the
	// race below, in which case this tree is dropped.
	l, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}

	opts := Options{
		ID:          id,
		Loom:        l,
		Backends:    m.opts.Backends,
		Broadcaster: m.opts.Broadcaster,
		Metrics:     m.opts.Metrics,
		Logger:      m.logger,
	}
	card := m.opts.DefaultCard
	if card != nil {
		opts.Voice = card.Voice
		opts.Model = card.BaseModel
	}
	s = New(opts)

	_, hasNodes := l.Current()
	if !hasNodes && card != nil {
		// Queued before the loop starts, so it is the first input handled.
		s.inbox <- *card
	}

	m.sessions[id] = s
	m.opts.Metrics.SessionOpened()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run(m.ctx)
	}()

	m.logger.Info("session started", "session_id", id, "resumed", hasNodes)
	return s, nil
}

func (m *Manager) load(ctx context.Context, id string) (*loom.Loom, error) {
	l := loom.New(m.opts.Store, loom.Options{
		ConversationID: id,
		CharacterID:    id,
		Logger:         m.logger,
	})
	if err := l.Load(ctx); err != nil {
		m.opts.Metrics.StoreError("load")
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return l, nil
}

// Send delivers an input to a session, starting it if needed.
func (m *Manager) Send(ctx context.Context, id string, input any) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.Send(ctx, input)
}

// Close stops every session and waits for their loops to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		delete(m.sessions, id)
		m.opts.Metrics.SessionClosed()
	}
}

// HandleText is the NATS handler for loom.session.*.text.
func (m *Manager) HandleText(subject string, data []byte) {
	var msg hermes.TextMessage
	if !m.decode(subject, data, &msg) {
		return
	}
	m.dispatch(subject, UserText{Text: msg.Text, Source: SourceChat, Participant: msg.Participant})
}

// HandleTranscript is the NATS handler for loom.session.*.transcript. Only
// final segments are acted on.
func (m *Manager) HandleTranscript(subject string, data []byte) {
	var msg hermes.TranscriptMessage
	if !m.decode(subject, data, &msg) {
		return
	}
	if !msg.Final {
		return
	}
	m.dispatch(subject, UserText{Text: msg.Text, Source: SourceSpeech})
}

// HandleCommand is the NATS handler for loom.session.*.command.
func (m *Manager) HandleCommand(subject string, data []byte) {
	var msg hermes.CommandMessage
	if !m.decode(subject, data, &msg) {
		return
	}

	var input any
	switch msg.Data.Command {
	case hermes.CommandRegenerate:
		input = RegenerateAt{NodeID: msg.Data.Arg}
	case hermes.CommandSelect:
		input = SetCurrent{NodeID: msg.Data.Arg}
	case hermes.CommandTree:
		input = RequestTree{}
	case hermes.CommandEdit:
		text := msg.Data.Text
		input = EditNode{NodeID: msg.Data.Arg, Text: &text}
	case hermes.CommandDelete, hermes.CommandRestore:
		deleted := msg.Data.Command == hermes.CommandDelete
		input = EditNode{NodeID: msg.Data.Arg, Deleted: &deleted}
	default:
		m.logger.Warn("unknown command", "subject", subject, "command", msg.Data.Command)
		return
	}
	m.dispatch(subject, input)
}

// HandleCard is the NATS handler for loom.session.*.card.
func (m *Manager) HandleCard(subject string, data []byte) {
	var msg hermes.CardMessage
	if !m.decode(subject, data, &msg) {
		return
	}
	if msg.Prompt == "" {
		m.logger.Warn("card without prompt ignored", "subject", subject)
		return
	}
	m.dispatch(subject, CharacterCardLoaded{
		ID:               msg.ID,
		Name:             msg.Name,
		Prompt:           msg.Prompt,
		StartingMessages: msg.StartingMessages,
		Voice:            msg.Voice,
		BaseModel:        msg.BaseModel,
		Intro:            msg.Intro,
	})
}

func (m *Manager) decode(subject string, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		m.logger.Error("failed to parse session event", "subject", subject, "error", err)
		return false
	}
	return true
}

func (m *Manager) dispatch(subject string, input any) {
	id, _, ok := hermes.ParseSessionSubject(subject)
	if !ok {
		m.logger.Warn("unexpected subject", "subject", subject)
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, handlerTimeout)
	defer cancel()

	if err := m.Send(ctx, id, input); err != nil {
		m.logger.Error("failed to deliver session event",
			"session_id", id,
			"input", fmt.Sprintf("%T", input),
			"error", err,
		)
	}
}
