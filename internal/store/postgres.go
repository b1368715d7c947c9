package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collabdraw/docsync/internal/syncx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schemaStatements are applied one by one on startup (pgx's extended
// protocol takes a single statement per Exec). Objects are soft-deleted:
// a delete flips the tombstone flag and stamps last_modified_ms so the
// row stays visible to ChangedSince until compaction.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS object (
		doc_id           TEXT    NOT NULL,
		k                TEXT    NOT NULL,
		v                JSONB,
		deleted          BOOLEAN NOT NULL DEFAULT FALSE,
		last_modified_ms BIGINT  NOT NULL,
		PRIMARY KEY (doc_id, k)
	)`,
	`CREATE INDEX IF NOT EXISTS object_doc_modified_idx
		ON object (doc_id, last_modified_ms)`,
	`CREATE TABLE IF NOT EXISTS client (
		client_id        TEXT   PRIMARY KEY,
		doc_id           TEXT   NOT NULL,
		last_mutation_id BIGINT NOT NULL DEFAULT 0,
		last_cookie_ms   BIGINT NOT NULL DEFAULT 0
	)`,
}

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Info().Msg("postgres store ready")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// WithTx runs fn in one pgx transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer pgtx.Rollback(ctx)

	t := &pgTx{tx: pgtx, stamps: map[string]int64{}}
	if err := fn(t); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx

	// stamps caches the write timestamp per document so every write in
	// this transaction lands on the same cookie boundary.
	stamps map[string]int64
}

// writeStamp returns this transaction's write timestamp for docID. On
// first write it takes a per-document advisory lock and clamps the clock
// above the document's current max, so stamps are strictly increasing per
// document across transactions and a previously issued cookie can never
// cover a later write.
func (t *pgTx) writeStamp(ctx context.Context, docID string) (int64, error) {
	if ms, ok := t.stamps[docID]; ok {
		return ms, nil
	}

	if _, err := t.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, docID); err != nil {
		return 0, fmt.Errorf("lock document: %w", err)
	}

	var maxMs int64
	if err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(last_modified_ms), 0) FROM object WHERE doc_id = $1`,
		docID).Scan(&maxMs); err != nil {
		return 0, fmt.Errorf("read document clock: %w", err)
	}

	ms := syncx.NowMs()
	if ms <= maxMs {
		ms = maxMs + 1
	}
	t.stamps[docID] = ms
	return ms, nil
}

func (t *pgTx) GetObject(ctx context.Context, docID, key string) (json.RawMessage, bool, error) {
	var v json.RawMessage
	err := t.tx.QueryRow(ctx,
		`SELECT v FROM object WHERE doc_id = $1 AND k = $2 AND deleted = FALSE`,
		docID, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get object: %w", err)
	}
	return v, true, nil
}

func (t *pgTx) PutObject(ctx context.Context, docID, key string, value json.RawMessage) error {
	ms, err := t.writeStamp(ctx, docID)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO object (doc_id, k, v, deleted, last_modified_ms)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (doc_id, k) DO UPDATE SET
			v                = EXCLUDED.v,
			deleted          = FALSE,
			last_modified_ms = EXCLUDED.last_modified_ms
	`, docID, key, value, ms)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (t *pgTx) DelObject(ctx context.Context, docID, key string) error {
	ms, err := t.writeStamp(ctx, docID)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE object SET deleted = TRUE, last_modified_ms = $3
		WHERE doc_id = $1 AND k = $2
	`, docID, key, ms)
	if err != nil {
		return fmt.Errorf("del object: %w", err)
	}
	return nil
}

func (t *pgTx) ChangedSince(ctx context.Context, docID string, sinceMs int64) ([]Row, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT k, v, deleted, last_modified_ms
		FROM object
		WHERE doc_id = $1 AND last_modified_ms > $2
		ORDER BY last_modified_ms, k
	`, docID, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("changed since: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Value, &r.Deleted, &r.LastModified); err != nil {
			return nil, fmt.Errorf("scan changed row: %w", err)
		}
		if r.Deleted {
			r.Value = nil
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changed rows: %w", err)
	}
	return out, nil
}

func (t *pgTx) CurrentCookie(ctx context.Context, docID string) (int64, error) {
	var ms int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(last_modified_ms), 0) FROM object WHERE doc_id = $1`,
		docID).Scan(&ms)
	if err != nil {
		return 0, fmt.Errorf("current cookie: %w", err)
	}
	return ms, nil
}

func (t *pgTx) LastMutationID(ctx context.Context, clientID, docID string, forUpdate bool) (int64, error) {
	if forUpdate {
		// Lazy-create so the row lock below has something to grab on a
		// client's very first push.
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO client (client_id, doc_id)
			VALUES ($1, $2)
			ON CONFLICT (client_id) DO NOTHING
		`, clientID, docID); err != nil {
			return 0, fmt.Errorf("init client: %w", err)
		}

		var id int64
		if err := t.tx.QueryRow(ctx,
			`SELECT last_mutation_id FROM client WHERE client_id = $1 FOR UPDATE`,
			clientID).Scan(&id); err != nil {
			return 0, fmt.Errorf("lock client: %w", err)
		}
		return id, nil
	}

	var id int64
	err := t.tx.QueryRow(ctx,
		`SELECT last_mutation_id FROM client WHERE client_id = $1`,
		clientID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return id, nil
}

func (t *pgTx) SetLastMutationID(ctx context.Context, clientID, docID string, id int64) error {
	// GREATEST guards the watermark against out-of-order callers.
	_, err := t.tx.Exec(ctx, `
		INSERT INTO client (client_id, doc_id, last_mutation_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET
			doc_id           = EXCLUDED.doc_id,
			last_mutation_id = GREATEST(client.last_mutation_id, EXCLUDED.last_mutation_id)
	`, clientID, docID, id)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (t *pgTx) LastCookie(ctx context.Context, clientID string) (int64, error) {
	var ms int64
	err := t.tx.QueryRow(ctx,
		`SELECT last_cookie_ms FROM client WHERE client_id = $1`,
		clientID).Scan(&ms)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last cookie: %w", err)
	}
	return ms, nil
}

func (t *pgTx) SetLastCookie(ctx context.Context, clientID, docID string, cookieMs int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO client (client_id, doc_id, last_cookie_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET
			doc_id         = EXCLUDED.doc_id,
			last_cookie_ms = GREATEST(client.last_cookie_ms, EXCLUDED.last_cookie_ms)
	`, clientID, docID, cookieMs)
	if err != nil {
		return fmt.Errorf("set last cookie: %w", err)
	}
	return nil
}
