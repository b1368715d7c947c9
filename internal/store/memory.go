package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/collabdraw/docsync/internal/syncx"
)

// MemoryStore is an in-process Store used in dev mode and in tests. A
// single mutex serializes transactions, which trivially satisfies the
// row-lock ordering guarantee the Postgres backend gets from FOR UPDATE.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[objectKey]memObject
	clients map[string]memClient
}

type objectKey struct {
	docID string
	key   string
}

type memObject struct {
	value        json.RawMessage
	deleted      bool
	lastModified int64
}

type memClient struct {
	docID          string
	lastMutationID int64
	lastCookieMs   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: map[objectKey]memObject{},
		clients: map[string]memClient{},
	}
}

func (s *MemoryStore) Close() {}

// WithTx runs fn under the store lock. Writes are staged and merged only
// when fn succeeds, so a failed transaction leaves no trace.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &memTx{
		s:       s,
		objects: map[objectKey]memObject{},
		clients: map[string]memClient{},
		stamps:  map[string]int64{},
	}
	if err := fn(t); err != nil {
		return err
	}

	for k, o := range t.objects {
		s.objects[k] = o
	}
	for id, c := range t.clients {
		s.clients[id] = c
	}
	return nil
}

type memTx struct {
	s       *MemoryStore
	objects map[objectKey]memObject // staged writes
	clients map[string]memClient
	stamps  map[string]int64
}

func (t *memTx) object(docID, key string) (memObject, bool) {
	k := objectKey{docID, key}
	if o, ok := t.objects[k]; ok {
		return o, true
	}
	o, ok := t.s.objects[k]
	return o, ok
}

func (t *memTx) client(clientID string) (memClient, bool) {
	if c, ok := t.clients[clientID]; ok {
		return c, true
	}
	c, ok := t.s.clients[clientID]
	return c, ok
}

func (t *memTx) writeStamp(docID string) int64 {
	if ms, ok := t.stamps[docID]; ok {
		return ms
	}
	var maxMs int64
	for k, o := range t.s.objects {
		if k.docID == docID && o.lastModified > maxMs {
			maxMs = o.lastModified
		}
	}
	ms := syncx.NowMs()
	if ms <= maxMs {
		ms = maxMs + 1
	}
	t.stamps[docID] = ms
	return ms
}

func (t *memTx) GetObject(ctx context.Context, docID, key string) (json.RawMessage, bool, error) {
	o, ok := t.object(docID, key)
	if !ok || o.deleted {
		return nil, false, nil
	}
	return o.value, true, nil
}

func (t *memTx) PutObject(ctx context.Context, docID, key string, value json.RawMessage) error {
	t.objects[objectKey{docID, key}] = memObject{
		value:        value,
		lastModified: t.writeStamp(docID),
	}
	return nil
}

func (t *memTx) DelObject(ctx context.Context, docID, key string) error {
	o, ok := t.object(docID, key)
	if !ok {
		// Tombstoning a key that was never written leaves nothing to diff.
		return nil
	}
	o.deleted = true
	o.value = nil
	o.lastModified = t.writeStamp(docID)
	t.objects[objectKey{docID, key}] = o
	return nil
}

func (t *memTx) ChangedSince(ctx context.Context, docID string, sinceMs int64) ([]Row, error) {
	seen := map[string]bool{}
	var out []Row

	collect := func(k objectKey, o memObject) {
		if k.docID != docID || seen[k.key] || o.lastModified <= sinceMs {
			return
		}
		seen[k.key] = true
		out = append(out, Row{
			Key:          k.key,
			Value:        o.value,
			Deleted:      o.deleted,
			LastModified: o.lastModified,
		})
	}

	for k, o := range t.objects {
		collect(k, o)
	}
	for k, o := range t.s.objects {
		collect(k, o)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified != out[j].LastModified {
			return out[i].LastModified < out[j].LastModified
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (t *memTx) CurrentCookie(ctx context.Context, docID string) (int64, error) {
	var maxMs int64
	for k, o := range t.s.objects {
		if _, staged := t.objects[k]; staged {
			continue
		}
		if k.docID == docID && o.lastModified > maxMs {
			maxMs = o.lastModified
		}
	}
	for k, o := range t.objects {
		if k.docID == docID && o.lastModified > maxMs {
			maxMs = o.lastModified
		}
	}
	return maxMs, nil
}

func (t *memTx) LastMutationID(ctx context.Context, clientID, docID string, forUpdate bool) (int64, error) {
	c, ok := t.client(clientID)
	if !ok {
		if forUpdate {
			t.clients[clientID] = memClient{docID: docID}
		}
		return 0, nil
	}
	return c.lastMutationID, nil
}

func (t *memTx) SetLastMutationID(ctx context.Context, clientID, docID string, id int64) error {
	c, _ := t.client(clientID)
	c.docID = docID
	if id > c.lastMutationID {
		c.lastMutationID = id
	}
	t.clients[clientID] = c
	return nil
}

func (t *memTx) LastCookie(ctx context.Context, clientID string) (int64, error) {
	c, ok := t.client(clientID)
	if !ok {
		return 0, nil
	}
	return c.lastCookieMs, nil
}

func (t *memTx) SetLastCookie(ctx context.Context, clientID, docID string, cookieMs int64) error {
	c, _ := t.client(clientID)
	c.docID = docID
	if cookieMs > c.lastCookieMs {
		c.lastCookieMs = cookieMs
	}
	t.clients[clientID] = c
	return nil
}
