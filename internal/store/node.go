package store

import (
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a node id does not resolve.
var ErrNotFound = errors.New("node not found")

// Role is the speaker of a node's message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Node is a single message in a conversation tree. ParentID is empty for roots.
type Node struct {
	ID                 string
	ParentID           string
	ConversationID     string
	CharacterID        string
	Role               Role
	Text               string
	Model              string
	Kind               string
	Participant        string
	HighlightWordCount int
	CreatedAt          time.Time
	Deleted            bool
	AltIDs             []string
}

func (n *Node) IsRoot() bool { return n.ParentID == "" }

func (n *Node) IsAssistant() bool { return n.Role == RoleAssistant }

// Clone returns a deep copy so callers never share AltIDs backing arrays.
func (n *Node) Clone() *Node {
	c := *n
	c.AltIDs = slices.Clone(n.AltIDs)
	return &c
}

// HasAlt reports whether id is recorded as an alternate of n.
func (n *Node) HasAlt(id string) bool {
	return slices.Contains(n.AltIDs, id)
}
