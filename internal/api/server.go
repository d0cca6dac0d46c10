package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/metrics"
	"github.com/MikeSquared-Agency/loom/internal/session"
)

// Sessions is the part of the session manager the API drives.
type Sessions interface {
	View(ctx context.Context, id string) (*loom.Loom, error)
	Send(ctx context.Context, id string, input any) error
	Sessions() []string
}

// BusStatus reports the message bus connection.
type BusStatus interface {
	Connected() bool
}

type Options struct {
	Port     int
	APIToken string
	Sessions Sessions
	Bus      BusStatus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	router   *chi.Mux
	port     int
	sessions Sessions
	bus      BusStatus
	logger   *slog.Logger
	http     *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     opts.Port,
		sessions: opts.Sessions,
		bus:      opts.Bus,
		logger:   opts.Logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/loom/status", s.status)
	if opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	router.Route("/api/v1/sessions/{id}", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(opts.APIToken))
		r.Get("/tree", s.tree)
		r.Get("/history", s.history)
		r.Post("/messages", s.postMessage)
		r.Post("/regenerate", s.regenerate)
		r.Put("/current", s.setCurrent)
		r.Patch("/nodes/{nodeID}", s.editNode)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Agent         string   `json:"agent"`
	Sessions      []string `json:"sessions"`
	NATSConnected bool     `json:"nats_connected"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Agent: "loom", Sessions: []string{}}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Sessions()
	}
	if s.bus != nil {
		resp.NATSConnected = s.bus.Connected()
	}
	writeJSON(w, http.StatusOK, resp)
}

type treeResponse struct {
	SessionID string          `json:"session_id"`
	CurrentID *string         `json:"current_id"`
	RootIDs   []string        `json:"root_ids"`
	Nodes     []loom.NodeJSON `json:"nodes"`
}

// tree handles GET /api/v1/sessions/{id}/tree
func (s *Server) tree(w http.ResponseWriter, r *http.Request) {
	l, ok := s.view(w, r)
	if !ok {
		return
	}
	resp := treeResponse{SessionID: l.ConversationID(), RootIDs: []string{}, Nodes: []loom.NodeJSON{}}
	if cur, ok := l.Current(); ok {
		resp.CurrentID = &cur.ID
	}
	for _, n := range l.Roots() {
		resp.RootIDs = append(resp.RootIDs, n.ID)
	}
	for _, n := range l.CollectAll() {
		resp.Nodes = append(resp.Nodes, loom.ToJSON(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// history handles GET /api/v1/sessions/{id}/history
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	l, ok := s.view(w, r)
	if !ok {
		return
	}
	msgs, err := l.CurrentHistory()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("history: %v", err))
		return
	}
	out := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyEntry{Role: string(m.Role), Text: m.Text})
	}
	writeJSON(w, http.StatusOK, out)
}

type messageRequest struct {
	Text        string `json:"text"`
	Participant string `json:"participant,omitempty"`
}

// postMessage handles POST /api/v1/sessions/{id}/messages
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	s.deliver(w, r, session.UserText{
		Text:        req.Text,
		Source:      session.SourceChat,
		Participant: req.Participant,
	})
}

type nodeRequest struct {
	NodeID string `json:"node_id"`
}

// regenerate handles POST /api/v1/sessions/{id}/regenerate
func (s *Server) regenerate(w http.ResponseWriter, r *http.Request) {
	id, l, ok := s.knownNode(w, r)
	if !ok {
		return
	}
	if _, ok := l.ParentOf(id); !ok {
		writeError(w, http.StatusConflict, "node has no parent to regenerate from")
		return
	}
	s.deliver(w, r, session.RegenerateAt{NodeID: id})
}

// setCurrent handles PUT /api/v1/sessions/{id}/current
func (s *Server) setCurrent(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.knownNode(w, r)
	if !ok {
		return
	}
	s.deliver(w, r, session.SetCurrent{NodeID: id})
}

type editRequest struct {
	Text    *string `json:"text"`
	Deleted *bool   `json:"deleted"`
}

// editNode handles PATCH /api/v1/sessions/{id}/nodes/{nodeID}
func (s *Server) editNode(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Text == nil && req.Deleted == nil {
		writeError(w, http.StatusBadRequest, "text or deleted is required")
		return
	}
	l, ok := s.view(w, r)
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if _, ok := l.Get(nodeID); !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.deliver(w, r, session.EditNode{NodeID: nodeID, Text: req.Text, Deleted: req.Deleted})
}

// knownNode decodes a node_id body and checks it exists in the session.
func (s *Server) knownNode(w http.ResponseWriter, r *http.Request) (string, *loom.Loom, bool) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return "", nil, false
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return "", nil, false
	}
	l, ok := s.view(w, r)
	if !ok {
		return "", nil, false
	}
	if _, ok := l.Get(req.NodeID); !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return "", nil, false
	}
	return req.NodeID, l, true
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request, input any) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Send(r.Context(), id, input); err != nil {
		s.sessionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// view resolves the session's tree without starting the session.
func (s *Server) view(w http.ResponseWriter, r *http.Request) (*loom.Loom, bool) {
	id, ok := sessionID(w, r)
	if !ok {
		return nil, false
	}
	l, err := s.sessions.View(r.Context(), id)
	if err != nil {
		s.sessionError(w, id, err)
		return nil, false
	}
	return l, true
}

func (s *Server) sessionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "session closed")
		return
	}
	s.logger.Error("session request failed", "session_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// sessionID reads the {id} path parameter. Ids become NATS subject tokens, so
// separators and wildcards are rejected.
func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.ContainsAny(id, ".*> \t\r\n") {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
