//go:build integration

package hermes_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/loom/internal/broadcast"
	"github.com/MikeSquared-Agency/loom/internal/genjob"
	"github.com/MikeSquared-Agency/loom/internal/hermes"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/session"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

type replyGen struct{}

func (replyGen) GenerateStream(context.Context, []loom.Message) (genjob.TextStream, error) {
	return &oneShot{}, nil
}

type oneShot struct{ done bool }

func (s *oneShot) Next() bool {
	if s.done {
		return false
	}
	s.done = true
	return true
}
func (s *oneShot) Current() string { return "pong" }
func (s *oneShot) Err() error      { return nil }
func (s *oneShot) Close() error    { return nil }

// A text message published on a session subject comes back as the session's
// user and assistant nodes on .chat.
func TestIntegration_SessionRoundTrip(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := hermes.NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), logger)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	nodes, err := store.NewBadger(store.BadgerOptions{InMemory: true, Logger: logger})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer nodes.Close()

	mgr := session.NewManager(session.ManagerOptions{
		Store: nodes,
		Backends: func(string, string) genjob.Backends {
			return genjob.Backends{Generator: replyGen{}}
		},
		Broadcaster: broadcast.NewPublisher(client, 0, logger),
		Logger:      logger,
		DefaultCard: &session.CharacterCardLoaded{Prompt: "You are a helper"},
	})
	defer mgr.Close()
	if err := mgr.Subscribe(client); err != nil {
		t.Fatalf("subscribe manager: %v", err)
	}

	sessionID := "it-" + uuid.NewString()
	received := make(chan broadcast.NodeEvent, 8)
	err = client.Subscribe(hermes.SessionSubject(sessionID, hermes.KindChat), func(subject string, data []byte) {
		var ev broadcast.NodeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Errorf("bad node event on %s: %v", subject, err)
			return
		}
		received <- ev
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	err = client.Publish(hermes.SessionSubject(sessionID, hermes.KindText), hermes.TextMessage{Text: "ping"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var got []string
	timeout := time.After(10 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-received:
			if ev.SessionID != sessionID {
				t.Errorf("expected session %s, got %s", sessionID, ev.SessionID)
			}
			got = append(got, ev.Node.Message)
		case <-timeout:
			t.Fatalf("timed out, received %v", got)
		}
	}
	want := []string{"You are a helper", "ping", "pong"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("node %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
