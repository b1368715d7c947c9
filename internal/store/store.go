package store

import (
	"context"
	"encoding/json"
)

// Row is one changed object as returned by ChangedSince.
// Value is nil when Deleted is true.
type Row struct {
	Key          string
	Value        json.RawMessage
	Deleted      bool
	LastModified int64 // Unix milliseconds
}

// Store is the authoritative state behind the sync protocol: a versioned
// per-document object table plus the per-client registry of watermarks and
// checkpoints. All access happens inside a transaction so a push or pull
// is observable only as a whole.
type Store interface {
	// WithTx runs fn inside one transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying resources.
	Close()
}

// Tx exposes the object store and client registry operations for the
// duration of one transaction.
type Tx interface {
	// GetObject returns the live value for (docID, key).
	// ok is false for tombstoned or never-written keys.
	GetObject(ctx context.Context, docID, key string) (value json.RawMessage, ok bool, err error)

	// PutObject upserts (docID, key), clearing any tombstone and stamping
	// the row with this transaction's write timestamp.
	PutObject(ctx context.Context, docID, key string, value json.RawMessage) error

	// DelObject tombstones (docID, key) and stamps the row. Deleting a key
	// that was never written is a no-op.
	DelObject(ctx context.Context, docID, key string) error

	// ChangedSince returns every row (tombstones included) with
	// last_modified strictly greater than sinceMs, ordered by
	// (last_modified, key).
	ChangedSince(ctx context.Context, docID string, sinceMs int64) ([]Row, error)

	// CurrentCookie returns the max last_modified across the document,
	// or 0 for an empty document.
	CurrentCookie(ctx context.Context, docID string) (int64, error)

	// LastMutationID returns the client's idempotency watermark, 0 for an
	// unknown client. With forUpdate the client row is created if missing
	// and locked for the remainder of the transaction, serializing
	// concurrent pushes from the same client.
	LastMutationID(ctx context.Context, clientID, docID string, forUpdate bool) (int64, error)

	// SetLastMutationID upserts the client's watermark. The stored value
	// never decreases.
	SetLastMutationID(ctx context.Context, clientID, docID string, id int64) error

	// LastCookie returns the checkpoint most recently handed to the
	// client by a pull, 0 for an unknown client.
	LastCookie(ctx context.Context, clientID string) (int64, error)

	// SetLastCookie records the checkpoint handed to the client. The
	// stored value never decreases.
	SetLastCookie(ctx context.Context, clientID, docID string, cookieMs int64) error
}
