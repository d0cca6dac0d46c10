// Package loom keeps a branching conversation tree: every node may have
// several alternative continuations, and one cursor marks the tip of the
// active conversation.
//
// The Loom holds an in-memory adjacency index (parent → children) on top of a
// durable NodeStore. Every write goes to the store first; the index only
// changes after the store accepted the write.
package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/loom/internal/store"
)

var (
	// ErrNotFound is returned when an id does not resolve inside the loom.
	ErrNotFound = errors.New("loom: node not found")

	// ErrInvariant signals corrupted tree data: a cycle or a dangling parent.
	ErrInvariant = errors.New("loom: tree invariant violated")
)

const (
	DefaultModel = "default_model"
	DefaultKind  = "chat"
)

// NodeStore is the durable persistence the loom writes through.
type NodeStore interface {
	Put(ctx context.Context, nodes ...*store.Node) error
	Get(ctx context.Context, id string) (*store.Node, error)
	ChildrenOf(ctx context.Context, parentID string) ([]*store.Node, error)
	AllForScope(ctx context.Context, characterID string) (map[string]*store.Node, error)
}

// Message is one entry of a conversation history.
type Message struct {
	Role store.Role
	Text string
}

// MessageOptions tunes AddMessage. The zero value attaches under the current
// node with the loom's character, the default model and the "chat" kind.
type MessageOptions struct {
	ParentID    string
	CharacterID string
	Model       string
	Kind        string
	Participant string
	NewRoot     bool
}

// NodeUpdate edits a node in place. Nil fields are left untouched.
type NodeUpdate struct {
	Text        *string
	Model       *string
	Kind        *string
	CharacterID *string
	Deleted     *bool
}

// Loom is one character's conversation tree.
type Loom struct {
	store          NodeStore
	conversationID string
	characterID    string
	logger         *slog.Logger

	now   func() time.Time
	newID func() string

	mu       sync.RWMutex
	nodes    map[string]*store.Node
	children map[string][]string
	roots    []string
	current  string
}

// Options configures a Loom. Empty ids are generated.
type Options struct {
	ConversationID string
	CharacterID    string
	Logger         *slog.Logger
}

func New(s NodeStore, opts Options) *Loom {
	if opts.ConversationID == "" {
		opts.ConversationID = uuid.NewString()
	}
	if opts.CharacterID == "" {
		opts.CharacterID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loom{
		store:          s,
		conversationID: opts.ConversationID,
		characterID:    opts.CharacterID,
		logger:         opts.Logger,
		now:            time.Now,
		newID:          uuid.NewString,
		nodes:          make(map[string]*store.Node),
		children:       make(map[string][]string),
	}
}

func (l *Loom) ConversationID() string { return l.conversationID }

func (l *Loom) CharacterID() string { return l.characterID }

// Load rebuilds the in-memory index from every node stored for the loom's
// character and points the cursor at the most recently created node.
func (l *Loom) Load(ctx context.Context) error {
	all, err := l.store.AllForScope(ctx, l.characterID)
	if err != nil {
		return fmt.Errorf("load scope %s: %w", l.characterID, err)
	}

	// Timestamps have millisecond resolution, so a parent and its child can
	// tie; depth keeps parents first within a tie.
	depth := depths(all)
	ordered := make([]*store.Node, 0, len(all))
	for _, n := range all {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if depth[a.ID] != depth[b.ID] {
			return depth[a.ID] < depth[b.ID]
		}
		return a.ID < b.ID
	})

	nodes := make(map[string]*store.Node, len(ordered))
	children := make(map[string][]string)
	var roots []string
	for _, n := range ordered {
		nodes[n.ID] = n
		if n.IsRoot() {
			roots = append(roots, n.ID)
			continue
		}
		children[n.ParentID] = append(children[n.ParentID], n.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes = nodes
	l.children = children
	l.roots = roots
	l.current = ""
	if len(ordered) > 0 {
		l.current = ordered[len(ordered)-1].ID
	}

	l.logger.Info("loom loaded",
		"character_id", l.characterID,
		"nodes", len(nodes),
		"roots", len(roots),
	)
	return nil
}

// AddMessage creates a node, persists it together with every sibling whose
// alternate list gains the new id, and moves the cursor onto it. It is the
// only way nodes enter the tree.
func (l *Loom) AddMessage(ctx context.Context, role store.Role, text string, opts MessageOptions) (*store.Node, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("add message: invalid role %q", role)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	parentID := opts.ParentID
	if opts.NewRoot {
		parentID = ""
	} else if parentID == "" {
		parentID = l.current
	}
	if parentID != "" {
		if _, ok := l.nodes[parentID]; !ok {
			return nil, fmt.Errorf("add message under %s: %w", parentID, ErrNotFound)
		}
	}

	n := &store.Node{
		ID:             l.newID(),
		ParentID:       parentID,
		ConversationID: l.conversationID,
		CharacterID:    orDefault(opts.CharacterID, l.characterID),
		Role:           role,
		Text:           text,
		Model:          orDefault(opts.Model, DefaultModel),
		Kind:           orDefault(opts.Kind, DefaultKind),
		Participant:    opts.Participant,
		CreatedAt:      l.now().UTC().Truncate(time.Millisecond),
	}

	// Roots are not linked to each other.
	var updated []*store.Node
	if parentID == "" {
		n.AltIDs = []string{n.ID}
	} else {
		siblings := l.children[parentID]
		n.AltIDs = make([]string, 0, len(siblings)+1)
		for _, sid := range siblings {
			s := l.nodes[sid].Clone()
			if !s.HasAlt(s.ID) {
				s.AltIDs = append(s.AltIDs, s.ID)
			}
			s.AltIDs = append(s.AltIDs, n.ID)
			updated = append(updated, s)
			n.AltIDs = append(n.AltIDs, sid)
		}
		n.AltIDs = append(n.AltIDs, n.ID)
	}

	if err := l.store.Put(ctx, append([]*store.Node{n}, updated...)...); err != nil {
		return nil, fmt.Errorf("persist node: %w", err)
	}

	l.nodes[n.ID] = n
	for _, s := range updated {
		l.nodes[s.ID] = s
	}
	if parentID == "" {
		l.roots = append(l.roots, n.ID)
	} else {
		l.children[parentID] = append(l.children[parentID], n.ID)
	}
	l.current = n.ID

	l.logger.Debug("message added",
		"node_id", n.ID,
		"parent_id", parentID,
		"role", string(role),
		"siblings", len(updated),
	)
	return n.Clone(), nil
}

// UpdateNode edits a node in place; its identity and position never change.
func (l *Loom) UpdateNode(ctx context.Context, id string, upd NodeUpdate) (*store.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.nodes[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	n := cur.Clone()
	if upd.Text != nil {
		n.Text = *upd.Text
	}
	if upd.Model != nil {
		n.Model = *upd.Model
	}
	if upd.Kind != nil {
		n.Kind = *upd.Kind
	}
	if upd.CharacterID != nil {
		n.CharacterID = *upd.CharacterID
	}
	if upd.Deleted != nil {
		n.Deleted = *upd.Deleted
	}

	if err := l.store.Put(ctx, n); err != nil {
		return nil, fmt.Errorf("persist node: %w", err)
	}
	l.nodes[id] = n
	return n.Clone(), nil
}

// SetCurrent moves the cursor. It returns false when id does not resolve.
func (l *Loom) SetCurrent(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.nodes[id]; !ok {
		return false
	}
	l.current = id
	return true
}

// Current returns the node under the cursor.
func (l *Loom) Current() (*store.Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[l.current]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

func (l *Loom) Get(id string) (*store.Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Children returns the direct children of id in insertion order.
func (l *Loom) Children(id string) []*store.Node {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.children[id]
	out := make([]*store.Node, 0, len(ids))
	for _, cid := range ids {
		out = append(out, l.nodes[cid].Clone())
	}
	return out
}

func (l *Loom) Roots() []*store.Node {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*store.Node, 0, len(l.roots))
	for _, id := range l.roots {
		out = append(out, l.nodes[id].Clone())
	}
	return out
}

// ParentOf resolves the parent of id.
func (l *Loom) ParentOf(id string) (*store.Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[id]
	if !ok || n.IsRoot() {
		return nil, false
	}
	p, ok := l.nodes[n.ParentID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// CurrentHistory returns the path from a root to the cursor, oldest first.
// An unset cursor yields an empty history. A cycle or a parent id that does
// not resolve is reported as ErrInvariant.
func (l *Loom) CurrentHistory() ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.current == "" {
		return nil, nil
	}
	var history []Message
	seen := make(map[string]struct{})
	id := l.current
	for id != "" {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("cycle at node %s: %w", id, ErrInvariant)
		}
		seen[id] = struct{}{}

		n, ok := l.nodes[id]
		if !ok {
			return nil, fmt.Errorf("dangling parent %s: %w", id, ErrInvariant)
		}
		history = append(history, Message{Role: n.Role, Text: n.Text})
		id = n.ParentID
	}
	slices.Reverse(history)
	return history, nil
}

// RollBackToParent moves the cursor to the parent of id and returns the
// parent's text. ok is false when id or its parent does not resolve.
func (l *Loom) RollBackToParent(id string) (text string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, found := l.nodes[id]
	if !found || n.IsRoot() {
		return "", false
	}
	p, found := l.nodes[n.ParentID]
	if !found {
		return "", false
	}
	l.current = p.ID
	return p.Text, true
}

// CollectSubtree returns id and all of its descendants in pre-order. An
// unknown id yields nil.
func (l *Loom) CollectSubtree(id string) []*store.Node {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.collect(id, make(map[string]struct{}))
}

// CollectAll returns every node reachable from a root, tree by tree.
func (l *Loom) CollectAll() []*store.Node {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*store.Node
	for _, id := range l.roots {
		out = append(out, l.collect(id, seen)...)
	}
	return out
}

func (l *Loom) collect(id string, seen map[string]struct{}) []*store.Node {
	if _, ok := l.nodes[id]; !ok {
		return nil
	}
	var out []*store.Node
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[cur]; dup {
			continue
		}
		seen[cur] = struct{}{}

		n, ok := l.nodes[cur]
		if !ok {
			continue
		}
		out = append(out, n.Clone())

		kids := l.children[cur]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// depths returns each node's distance from its root. Walks stop at a missing
// parent or a cycle.
func depths(all map[string]*store.Node) map[string]int {
	out := make(map[string]int, len(all))
	for id := range all {
		seen := make(map[string]struct{})
		d := 0
		for cur := all[id]; cur != nil && !cur.IsRoot(); cur = all[cur.ParentID] {
			if _, dup := seen[cur.ID]; dup {
				break
			}
			seen[cur.ID] = struct{}{}
			d++
		}
		out[id] = d
	}
	return out
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
