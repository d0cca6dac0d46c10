package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/loom/internal/genjob"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/metrics"
	"github.com/MikeSquared-Agency/loom/internal/session"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

type replyGen struct{ text string }

func (g replyGen) GenerateStream(context.Context, []loom.Message) (genjob.TextStream, error) {
	return &onceStream{text: g.text}, nil
}

type onceStream struct {
	text string
	done bool
}

func (s *onceStream) Next() bool {
	if s.done {
		return false
	}
	s.done = true
	return true
}
func (s *onceStream) Current() string { return s.text }
func (s *onceStream) Err() error      { return nil }
func (s *onceStream) Close() error    { return nil }

type nopBroadcaster struct{}

func (nopBroadcaster) PublishNode(string, *store.Node) error          { return nil }
func (nopBroadcaster) PublishNodeUpdates(string, []*store.Node) error { return nil }
func (nopBroadcaster) PublishTree(string, []*store.Node) error        { return nil }
func (nopBroadcaster) PublishState(string, string) error              { return nil }

type busUp bool

func (b busUp) Connected() bool { return bool(b) }

func newTestServer(t *testing.T, token string) (*Server, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewBadger(store.BadgerOptions{InMemory: true, Logger: logger})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m := metrics.New()
	mgr := session.NewManager(session.ManagerOptions{
		Store: st,
		Backends: func(string, string) genjob.Backends {
			return genjob.Backends{Generator: replyGen{text: "Hello there"}}
		},
		Broadcaster: nopBroadcaster{},
		Metrics:     m,
		Logger:      logger,
		DefaultCard: &session.CharacterCardLoaded{Prompt: "You are a helper"},
	})
	t.Cleanup(func() {
		mgr.Close()
		st.Close()
	})
	srv := NewServer(Options{
		Port:     8750,
		APIToken: token,
		Sessions: mgr,
		Bus:      busUp(true),
		Metrics:  m,
		Logger:   logger,
	})
	return srv, mgr
}

func do(t *testing.T, srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getTree(t *testing.T, srv *Server, id string) treeResponse {
	t.Helper()
	w := do(t, srv, "GET", "/api/v1/sessions/"+id+"/tree", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tree: expected 200, got %d", w.Code)
	}
	var tr treeResponse
	decode(t, w, &tr)
	return tr
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := do(t, srv, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, mgr := newTestServer(t, "")
	if _, err := mgr.Get(context.Background(), "alpha"); err != nil {
		t.Fatalf("get session: %v", err)
	}

	w := do(t, srv, "GET", "/api/v1/loom/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body statusResponse
	decode(t, w, &body)
	if body.Agent != "loom" {
		t.Errorf("expected agent loom, got %q", body.Agent)
	}
	if !body.NATSConnected {
		t.Error("expected nats_connected true")
	}
	if len(body.Sessions) != 1 || body.Sessions[0] != "alpha" {
		t.Errorf("expected sessions [alpha], got %v", body.Sessions)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := do(t, srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loom_sessions_active") {
		t.Error("expected loom_sessions_active in metrics output")
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := do(t, srv, "GET", "/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	cases := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic s3cret"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer s3cret"}, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, srv, "GET", "/api/v1/loom/status", "", tc.header...)
			if w.Code != http.StatusOK {
				t.Fatalf("status should not require auth, got %d", w.Code)
			}
			w = do(t, srv, "POST", "/api/v1/sessions/alpha/messages", `{"text":"hi"}`, tc.header...)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}

	if w := do(t, srv, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should not require auth, got %d", w.Code)
	}
}

func TestPostMessageProducesReply(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := do(t, srv, "POST", "/api/v1/sessions/alpha/messages", `{"text":"hi"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var history []historyEntry
	eventually(t, "reply in history", func() bool {
		w := do(t, srv, "GET", "/api/v1/sessions/alpha/history", "")
		if w.Code != http.StatusOK {
			return false
		}
		history = nil
		decode(t, w, &history)
		return len(history) == 3
	})

	want := []historyEntry{
		{Role: "system", Text: "You are a helper"},
		{Role: "user", Text: "hi"},
		{Role: "assistant", Text: "Hello there"},
	}
	for i := range want {
		if history[i] != want[i] {
			t.Errorf("history[%d]: expected %+v, got %+v", i, want[i], history[i])
		}
	}
}

func TestPostMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t, "")

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/api/v1/sessions/alpha/messages", `{`, http.StatusBadRequest},
		{"empty text", "/api/v1/sessions/alpha/messages", `{"text":"  "}`, http.StatusBadRequest},
		{"dotted session id", "/api/v1/sessions/a.b/messages", `{"text":"hi"}`, http.StatusBadRequest},
		{"wildcard session id", "/api/v1/sessions/*/messages", `{"text":"hi"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, srv, "POST", tc.path, tc.body)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestReadsDoNotStartSessions(t *testing.T) {
	srv, mgr := newTestServer(t, "")

	for _, path := range []string{"/api/v1/sessions/ghost/tree", "/api/v1/sessions/ghost/history"} {
		if w := do(t, srv, "GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
	w := do(t, srv, "PUT", "/api/v1/sessions/ghost/current", `{"node_id":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("current on unknown session: expected 404, got %d", w.Code)
	}
	if got := mgr.Sessions(); len(got) != 0 {
		t.Errorf("expected no running sessions, got %v", got)
	}
}

func TestTreeAndNodeCommands(t *testing.T) {
	srv, _ := newTestServer(t, "")

	if w := do(t, srv, "POST", "/api/v1/sessions/alpha/messages", `{"text":"hi"}`); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var tree treeResponse
	eventually(t, "reply in tree", func() bool {
		w := do(t, srv, "GET", "/api/v1/sessions/alpha/tree", "")
		if w.Code != http.StatusOK {
			return false
		}
		tree = treeResponse{}
		decode(t, w, &tree)
		return len(tree.Nodes) == 3
	})

	if len(tree.RootIDs) != 1 {
		t.Fatalf("expected 1 root, got %v", tree.RootIDs)
	}
	root := tree.Nodes[0]
	if root.ID != tree.RootIDs[0] || root.ParentID != nil || root.Message != "You are a helper" || root.ConversationID != "alpha" {
		t.Fatalf("unexpected root %+v", root)
	}

	w := do(t, srv, "PUT", "/api/v1/sessions/alpha/current", `{"node_id":"`+root.ID+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("set current: expected 202, got %d", w.Code)
	}
	eventually(t, "cursor moved to root", func() bool {
		tree = getTree(t, srv, "alpha")
		return tree.CurrentID != nil && *tree.CurrentID == root.ID
	})

	if w := do(t, srv, "PUT", "/api/v1/sessions/alpha/current", `{"node_id":"missing"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown node: expected 404, got %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/v1/sessions/alpha/regenerate", `{"node_id":"missing"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown node: expected 404, got %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/v1/sessions/alpha/regenerate", `{"node_id":"`+root.ID+`"}`); w.Code != http.StatusConflict {
		t.Errorf("root node: expected 409, got %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/v1/sessions/alpha/regenerate", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing node_id: expected 400, got %d", w.Code)
	}
}

func TestEditNode(t *testing.T) {
	srv, _ := newTestServer(t, "")

	do(t, srv, "POST", "/api/v1/sessions/alpha/messages", `{"text":"hi"}`)
	var tree treeResponse
	eventually(t, "reply in tree", func() bool {
		w := do(t, srv, "GET", "/api/v1/sessions/alpha/tree", "")
		if w.Code != http.StatusOK {
			return false
		}
		tree = treeResponse{}
		decode(t, w, &tree)
		return len(tree.Nodes) == 3
	})
	var user loom.NodeJSON
	for _, n := range tree.Nodes {
		if !n.IsAssistant && n.ParentID != nil {
			user = n
		}
	}

	path := "/api/v1/sessions/alpha/nodes/" + user.ID
	if w := do(t, srv, "PATCH", path, `{"text":"hello","deleted":true}`); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	eventually(t, "edit applied", func() bool {
		for _, n := range getTree(t, srv, "alpha").Nodes {
			if n.ID == user.ID {
				return n.Message == "hello" && n.Deleted
			}
		}
		return false
	})

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"empty body", path, `{}`, http.StatusBadRequest},
		{"bad json", path, `{`, http.StatusBadRequest},
		{"unknown node", "/api/v1/sessions/alpha/nodes/missing", `{"deleted":true}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, srv, "PATCH", tc.path, tc.body); w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestRegenerateAddsSibling(t *testing.T) {
	srv, _ := newTestServer(t, "")

	do(t, srv, "POST", "/api/v1/sessions/alpha/messages", `{"text":"hi"}`)
	var tree treeResponse
	eventually(t, "first reply", func() bool {
		tree = getTree(t, srv, "alpha")
		return len(tree.Nodes) == 3
	})

	var reply loom.NodeJSON
	for _, n := range tree.Nodes {
		if n.IsAssistant {
			reply = n
		}
	}
	w := do(t, srv, "POST", "/api/v1/sessions/alpha/regenerate", `{"node_id":"`+reply.ID+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	eventually(t, "alternative reply", func() bool {
		tree = getTree(t, srv, "alpha")
		return len(tree.Nodes) == 4
	})
	var alts int
	for _, n := range tree.Nodes {
		if n.IsAssistant {
			alts++
			if n.ParentID == nil || reply.ParentID == nil || *n.ParentID != *reply.ParentID {
				t.Errorf("alternative %s not under the same parent", n.ID)
			}
			if len(n.AltIDs) != 2 {
				t.Errorf("expected 2 alt ids on %s, got %v", n.ID, n.AltIDs)
			}
		}
	}
	if alts != 2 {
		t.Errorf("expected 2 assistant nodes, got %d", alts)
	}
}

func TestClosedManager(t *testing.T) {
	srv, mgr := newTestServer(t, "")
	mgr.Close()

	w := do(t, srv, "POST", "/api/v1/sessions/alpha/messages", `{"text":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
