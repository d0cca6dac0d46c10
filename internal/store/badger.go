package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Badger is an embedded node store. Rows live under node/<id>; two index
// keyspaces, parent/<pid>/<id> and scope/<cid>/<id>, serve ChildrenOf and
// AllForScope without a full scan.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string

	// InMemory keeps everything in memory; used by tests.
	InMemory bool

	Logger *slog.Logger
}

func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger store: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// nodeRow is the msgpack encoding of a Node. Timestamps are stored as unix
// milliseconds so decoding never depends on the local zone.
type nodeRow struct {
	ID                 string   `msgpack:"id"`
	ParentID           string   `msgpack:"parent_id"`
	ConversationID     string   `msgpack:"conversation_id"`
	CharacterID        string   `msgpack:"character_id"`
	Role               string   `msgpack:"role"`
	Text               string   `msgpack:"message"`
	Model              string   `msgpack:"model"`
	Kind               string   `msgpack:"type"`
	Participant        string   `msgpack:"participant"`
	HighlightWordCount int      `msgpack:"highlight_word_count"`
	Timestamp          int64    `msgpack:"timestamp"`
	Deleted            bool     `msgpack:"deleted"`
	AltIDs             []string `msgpack:"alt_ids"`
}

func toRow(n *Node) nodeRow {
	return nodeRow{
		ID:                 n.ID,
		ParentID:           n.ParentID,
		ConversationID:     n.ConversationID,
		CharacterID:        n.CharacterID,
		Role:               string(n.Role),
		Text:               n.Text,
		Model:              n.Model,
		Kind:               n.Kind,
		Participant:        n.Participant,
		HighlightWordCount: n.HighlightWordCount,
		Timestamp:          n.CreatedAt.UnixMilli(),
		Deleted:            n.Deleted,
		AltIDs:             n.AltIDs,
	}
}

func (r nodeRow) node() *Node {
	return &Node{
		ID:                 r.ID,
		ParentID:           r.ParentID,
		ConversationID:     r.ConversationID,
		CharacterID:        r.CharacterID,
		Role:               Role(r.Role),
		Text:               r.Text,
		Model:              r.Model,
		Kind:               r.Kind,
		Participant:        r.Participant,
		HighlightWordCount: r.HighlightWordCount,
		CreatedAt:          time.UnixMilli(r.Timestamp).UTC(),
		Deleted:            r.Deleted,
		AltIDs:             r.AltIDs,
	}
}

func nodeKey(id string) []byte { return []byte("node/" + id) }

func parentPrefix(parentID string) []byte { return []byte("parent/" + parentID + "/") }

func scopePrefix(characterID string) []byte { return []byte("scope/" + characterID + "/") }

// Put writes every node in one transaction, moving index entries when a
// node's parent or scope changed since its last write.
func (b *Badger) Put(_ context.Context, nodes ...*Node) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, n := range nodes {
			prev, err := getRow(txn, n.ID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return err
			default:
				if prev.ParentID != "" && prev.ParentID != n.ParentID {
					if err := txn.Delete(append(parentPrefix(prev.ParentID), prev.ID...)); err != nil {
						return err
					}
				}
				if prev.CharacterID != n.CharacterID {
					if err := txn.Delete(append(scopePrefix(prev.CharacterID), prev.ID...)); err != nil {
						return err
					}
				}
			}

			data, err := msgpack.Marshal(toRow(n))
			if err != nil {
				return fmt.Errorf("encode node %s: %w", n.ID, err)
			}
			if err := txn.Set(nodeKey(n.ID), data); err != nil {
				return err
			}
			if n.ParentID != "" {
				if err := txn.Set(append(parentPrefix(n.ParentID), n.ID...), nil); err != nil {
					return err
				}
			}
			if err := txn.Set(append(scopePrefix(n.CharacterID), n.ID...), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put nodes: %w", err)
	}
	return nil
}

func (b *Badger) Get(_ context.Context, id string) (*Node, error) {
	var row nodeRow
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		row, err = getRow(txn, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return row.node(), nil
}

// ChildrenOf returns the children of parentID ordered by creation time, then
// id, matching the Postgres backend.
func (b *Badger) ChildrenOf(_ context.Context, parentID string) ([]*Node, error) {
	var out []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		return scanIndex(txn, parentPrefix(parentID), func(row nodeRow) {
			out = append(out, row.node())
		})
	})
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", parentID, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Badger) AllForScope(_ context.Context, characterID string) (map[string]*Node, error) {
	out := make(map[string]*Node)
	err := b.db.View(func(txn *badger.Txn) error {
		return scanIndex(txn, scopePrefix(characterID), func(row nodeRow) {
			out[row.ID] = row.node()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", characterID, err)
	}
	return out, nil
}

func getRow(txn *badger.Txn, id string) (nodeRow, error) {
	var row nodeRow
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return row, err
	}
	if err := msgpack.Unmarshal(val, &row); err != nil {
		return row, fmt.Errorf("decode node %s: %w", id, err)
	}
	return row, nil
}

// scanIndex walks an index keyspace and resolves each entry to its row.
// Entries whose row is missing are skipped.
func scanIndex(txn *badger.Txn, prefix []byte, fn func(nodeRow)) error {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = prefix
	iterOpts.PrefetchValues = false
	it := txn.NewIterator(iterOpts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id := string(it.Item().Key()[len(prefix):])
		row, err := getRow(txn, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		fn(row)
	}
	return nil
}

// badgerLogger routes badger's logging into slog, dropping its chatty info
// and debug output.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.logger.Error(fmt.Sprintf("badger: "+f, v...)) }
func (l badgerLogger) Warningf(f string, v ...any) { l.logger.Warn(fmt.Sprintf("badger: "+f, v...)) }
func (badgerLogger) Infof(string, ...any)          {}
func (badgerLogger) Debugf(string, ...any)         {}
