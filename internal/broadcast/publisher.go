package broadcast

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/loom/internal/hermes"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

// Bus is the part of the hermes client the publisher needs.
type Bus interface {
	Publish(subject string, data any) error
}

// NodeEvent wraps a single node sent on .chat or .chat.update.
type NodeEvent struct {
	SessionID string        `json:"session_id"`
	Node      loom.NodeJSON `json:"node"`
}

// Publisher serializes tree changes onto per-session subjects.
type Publisher struct {
	bus       Bus
	chunkSize int
	logger    *slog.Logger
}

func NewPublisher(bus Bus, chunkSize int, logger *slog.Logger) *Publisher {
	if chunkSize <= 0 {
		chunkSize = loom.DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, chunkSize: chunkSize, logger: logger}
}

// PublishNode announces a newly added node.
func (p *Publisher) PublishNode(sessionID string, n *store.Node) error {
	subject := hermes.SessionSubject(sessionID, hermes.KindChat)
	if err := p.bus.Publish(subject, NodeEvent{SessionID: sessionID, Node: loom.ToJSON(n)}); err != nil {
		return fmt.Errorf("publish node %s: %w", n.ID, err)
	}
	return nil
}

// PublishNodeUpdates re-sends nodes whose fields changed, e.g. siblings that
// gained an alternate.
func (p *Publisher) PublishNodeUpdates(sessionID string, nodes []*store.Node) error {
	subject := hermes.SessionSubject(sessionID, hermes.KindChatUpdate)
	for _, n := range nodes {
		if err := p.bus.Publish(subject, NodeEvent{SessionID: sessionID, Node: loom.ToJSON(n)}); err != nil {
			return fmt.Errorf("publish update %s: %w", n.ID, err)
		}
	}
	return nil
}

// PublishTree sends the whole tree, split into chunks sharing one tree id when
// it does not fit one message.
func (p *Publisher) PublishTree(sessionID string, nodes []*store.Node) error {
	subject := hermes.SessionSubject(sessionID, hermes.KindTree)
	treeID := uuid.NewString()
	payloads := loom.ChunkTree(nodes, treeID, p.chunkSize)
	for i, payload := range payloads {
		if err := p.bus.Publish(subject, payload); err != nil {
			return fmt.Errorf("publish tree chunk %d/%d: %w", i+1, len(payloads), err)
		}
	}
	p.logger.Debug("tree published",
		"session_id", sessionID,
		"nodes", len(nodes),
		"chunks", len(payloads),
	)
	return nil
}

func (p *Publisher) PublishState(sessionID, state string) error {
	subject := hermes.SessionSubject(sessionID, hermes.KindState)
	return p.bus.Publish(subject, hermes.StateMessage{SessionID: sessionID, State: state})
}
