package engine

import (
	"context"
	"encoding/json"

	"github.com/collabdraw/docsync/internal/store"
)

// Buffer is a transaction-scoped read-through, write-back overlay on the
// object store for one document. A push batch may touch the same key many
// times; the buffer collapses that to at most one store read and one store
// write per key.
type Buffer struct {
	tx    store.Tx
	docID string
	cache map[string]*bufferEntry
}

type bufferEntry struct {
	value   json.RawMessage // nil when absent or deleted
	present bool
	dirty   bool
}

func NewBuffer(tx store.Tx, docID string) *Buffer {
	return &Buffer{
		tx:    tx,
		docID: docID,
		cache: map[string]*bufferEntry{},
	}
}

// Get returns the buffered value for key, falling back to the store on
// first access. Misses are cached too, so repeated reads of an absent key
// cost one store round trip.
func (b *Buffer) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if e, ok := b.cache[key]; ok {
		return e.value, e.present, nil
	}
	value, ok, err := b.tx.GetObject(ctx, b.docID, key)
	if err != nil {
		return nil, false, err
	}
	b.cache[key] = &bufferEntry{value: value, present: ok}
	return value, ok, nil
}

// Put stages an upsert. Nothing reaches the store until Flush.
func (b *Buffer) Put(key string, value json.RawMessage) {
	b.cache[key] = &bufferEntry{value: value, present: true, dirty: true}
}

// Del stages a tombstone.
func (b *Buffer) Del(key string) {
	b.cache[key] = &bufferEntry{dirty: true}
}

// Flush writes every dirty entry to the store exactly once: a put for
// entries holding a value, a tombstone for entries whose value became
// absent. Clean entries are skipped.
func (b *Buffer) Flush(ctx context.Context) error {
	for key, e := range b.cache {
		if !e.dirty {
			continue
		}
		if e.present {
			if err := b.tx.PutObject(ctx, b.docID, key, e.value); err != nil {
				return err
			}
		} else {
			if err := b.tx.DelObject(ctx, b.docID, key); err != nil {
				return err
			}
		}
		e.dirty = false
	}
	return nil
}
