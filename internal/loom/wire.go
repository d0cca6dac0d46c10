package loom

import (
	"github.com/MikeSquared-Agency/loom/internal/store"
)

// DefaultChunkSize is the number of nodes carried by one tree message.
const DefaultChunkSize = 25

// NodeJSON is the serialized form of a node sent to clients.
type NodeJSON struct {
	ID                 string   `json:"id"`
	Message            string   `json:"message"`
	Timestamp          int64    `json:"timestamp"`
	Deleted            bool     `json:"deleted"`
	IsAssistant        bool     `json:"is_assistant"`
	HighlightWordCount int      `json:"highlight_word_count"`
	Participant        *string  `json:"participant"`
	ParentID           *string  `json:"parent_id"`
	ConversationID     string   `json:"conversation_id"`
	CharacterID        string   `json:"character_id"`
	Model              string   `json:"model"`
	Type               string   `json:"type"`
	AltIDs             []string `json:"alt_ids"`
}

func ToJSON(n *store.Node) NodeJSON {
	alt := n.AltIDs
	if alt == nil {
		alt = []string{}
	}
	return NodeJSON{
		ID:                 n.ID,
		Message:            n.Text,
		Timestamp:          n.CreatedAt.UnixMilli(),
		Deleted:            n.Deleted,
		IsAssistant:        n.IsAssistant(),
		HighlightWordCount: n.HighlightWordCount,
		Participant:        optional(n.Participant),
		ParentID:           optional(n.ParentID),
		ConversationID:     n.ConversationID,
		CharacterID:        n.CharacterID,
		Model:              n.Model,
		Type:               n.Kind,
		AltIDs:             alt,
	}
}

// TreePayload is a bulk tree broadcast. The chunk fields are set only when
// the tree was split across several messages.
type TreePayload struct {
	Nodes       []NodeJSON `json:"nodes"`
	Chunk       *int       `json:"chunk,omitempty"`
	TotalChunks *int       `json:"total_chunks,omitempty"`
	TreeID      string     `json:"tree_id,omitempty"`
}

// ChunkTree splits nodes into messages of at most size nodes. A tree that
// fits in one message is returned as a single unchunked payload; an empty
// tree still yields one payload with no nodes.
func ChunkTree(nodes []*store.Node, treeID string, size int) []TreePayload {
	if size <= 0 {
		size = DefaultChunkSize
	}
	all := make([]NodeJSON, len(nodes))
	for i, n := range nodes {
		all[i] = ToJSON(n)
	}
	if len(all) <= size {
		return []TreePayload{{Nodes: all}}
	}

	total := (len(all) + size - 1) / size
	out := make([]TreePayload, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(all))
		chunk, totalChunks := i, total
		out = append(out, TreePayload{
			Nodes:       all[i*size : end],
			Chunk:       &chunk,
			TotalChunks: &totalChunks,
			TreeID:      treeID,
		})
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
