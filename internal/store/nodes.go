package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const nodeColumns = `id, timestamp, deleted, is_assistant, highlight_word_count, participant,
	parent_id, conversation_id, character_id, model, type, message, alt_ids, role`

// Put upserts every node in a single transaction; either all rows land or none do.
func (s *Store) Put(ctx context.Context, nodes ...*Node) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, n := range nodes {
		altIDs, err := json.Marshal(nonNil(n.AltIDs))
		if err != nil {
			return fmt.Errorf("marshal alt_ids: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO loom_nodes (`+nodeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				timestamp = $2,
				deleted = $3,
				is_assistant = $4,
				highlight_word_count = $5,
				participant = $6,
				parent_id = $7,
				conversation_id = $8,
				character_id = $9,
				model = $10,
				type = $11,
				message = $12,
				alt_ids = $13,
				role = $14`,
			n.ID, n.CreatedAt, n.Deleted, n.IsAssistant(), n.HighlightWordCount, nullable(n.Participant),
			nullable(n.ParentID), n.ConversationID, n.CharacterID, n.Model, n.Kind, n.Text, altIDs, string(n.Role),
		)
		if err != nil {
			return fmt.Errorf("upsert node %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get fetches a node by id. Returns ErrNotFound when no row exists.
func (s *Store) Get(ctx context.Context, id string) (*Node, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM loom_nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// ChildrenOf returns the nodes whose parent is parentID, oldest first.
func (s *Store) ChildrenOf(ctx context.Context, parentID string) ([]*Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM loom_nodes
		WHERE parent_id = $1
		ORDER BY timestamp, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AllForScope returns every node belonging to a character, keyed by id.
func (s *Store) AllForScope(ctx context.Context, characterID string) (map[string]*Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM loom_nodes
		WHERE character_id = $1`, characterID)
	if err != nil {
		return nil, fmt.Errorf("query scope %s: %w", characterID, err)
	}
	defer rows.Close()

	out := make(map[string]*Node)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out[n.ID] = n
	}
	return out, rows.Err()
}

func scanNode(row pgx.Row) (*Node, error) {
	var (
		n           Node
		isAssistant bool
		participant *string
		parentID    *string
		altIDs      []byte
		role        string
	)
	err := row.Scan(&n.ID, &n.CreatedAt, &n.Deleted, &isAssistant, &n.HighlightWordCount, &participant,
		&parentID, &n.ConversationID, &n.CharacterID, &n.Model, &n.Kind, &n.Text, &altIDs, &role)
	if err != nil {
		return nil, err
	}
	if participant != nil {
		n.Participant = *participant
	}
	if parentID != nil {
		n.ParentID = *parentID
	}
	if err := json.Unmarshal(altIDs, &n.AltIDs); err != nil {
		return nil, fmt.Errorf("parse alt_ids for %s: %w", n.ID, err)
	}
	n.Role = Role(role)
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
