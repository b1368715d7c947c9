package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/collabdraw/docsync/internal/db"
	"github.com/google/uuid"
)

// Test database URL from environment or skip if not set
func getTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	return s
}

// testDoc returns a fresh document id so tests don't interfere.
func testDoc() string {
	return "test-" + uuid.New().String()
}

func TestPostgresStore_ObjectRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	s := getTestStore(t)
	defer s.Close()

	ctx := context.Background()
	doc := testDoc()

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutObject(ctx, doc, "x", json.RawMessage(`{"n":1}`)); err != nil {
			return err
		}
		return tx.DelObject(ctx, doc, "x")
	})
	if err != nil {
		t.Fatalf("write tx failed: %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		if _, ok, err := tx.GetObject(ctx, doc, "x"); err != nil || ok {
			t.Errorf("tombstoned key visible: ok=%v err=%v", ok, err)
		}
		rows, err := tx.ChangedSince(ctx, doc, 0)
		if err != nil {
			return err
		}
		if len(rows) != 1 || !rows[0].Deleted || rows[0].Key != "x" {
			t.Errorf("expected one tombstone row, got %+v", rows)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx failed: %v", err)
	}
}

func TestPostgresStore_CookieBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	s := getTestStore(t)
	defer s.Close()

	ctx := context.Background()
	doc := testDoc()

	write := func(key, value string) {
		t.Helper()
		if err := s.WithTx(ctx, func(tx Tx) error {
			return tx.PutObject(ctx, doc, key, json.RawMessage(value))
		}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	write("a", `1`)

	var c1 int64
	s.WithTx(ctx, func(tx Tx) error {
		var err error
		c1, err = tx.CurrentCookie(ctx, doc)
		return err
	})
	if c1 == 0 {
		t.Fatal("cookie should be non-zero after a write")
	}

	write("b", `2`)

	err := s.WithTx(ctx, func(tx Tx) error {
		// Strictly-greater boundary: rows at c1 are not re-delivered.
		rows, err := tx.ChangedSince(ctx, doc, c1)
		if err != nil {
			return err
		}
		if len(rows) != 1 || rows[0].Key != "b" {
			t.Errorf("expected only b after c1, got %+v", rows)
		}

		c2, err := tx.CurrentCookie(ctx, doc)
		if err != nil {
			return err
		}
		if c2 <= c1 {
			t.Errorf("cookie must strictly advance: %d -> %d", c1, c2)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx failed: %v", err)
	}
}

func TestPostgresStore_ClientRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	s := getTestStore(t)
	defer s.Close()

	ctx := context.Background()
	doc := testDoc()
	client := "test-client-" + uuid.New().String()

	err := s.WithTx(ctx, func(tx Tx) error {
		// First contact with forUpdate creates and locks the row.
		id, err := tx.LastMutationID(ctx, client, doc, true)
		if err != nil {
			return err
		}
		if id != 0 {
			t.Errorf("new client watermark = %d, want 0", id)
		}
		return tx.SetLastMutationID(ctx, client, doc, 5)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	// A stale caller cannot regress the watermark.
	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.SetLastMutationID(ctx, client, doc, 2)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	s.WithTx(ctx, func(tx Tx) error {
		id, err := tx.LastMutationID(ctx, client, doc, false)
		if err != nil || id != 5 {
			t.Errorf("watermark = %d err=%v, want 5", id, err)
		}
		return nil
	})

	// Cookie checkpoints behave the same way.
	s.WithTx(ctx, func(tx Tx) error {
		tx.SetLastCookie(ctx, client, doc, 100)
		return tx.SetLastCookie(ctx, client, doc, 40)
	})
	s.WithTx(ctx, func(tx Tx) error {
		ms, err := tx.LastCookie(ctx, client)
		if err != nil || ms != 100 {
			t.Errorf("last cookie = %d err=%v, want 100", ms, err)
		}
		return nil
	})
}

func TestPostgresStore_RollbackOnError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	s := getTestStore(t)
	defer s.Close()

	ctx := context.Background()
	doc := testDoc()

	wantErr := json.Unmarshal([]byte("{"), &struct{}{})
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutObject(ctx, doc, "x", json.RawMessage(`1`)); err != nil {
			return err
		}
		return wantErr
	})
	if err == nil {
		t.Fatal("expected error from tx fn")
	}

	s.WithTx(ctx, func(tx Tx) error {
		rows, _ := tx.ChangedSince(ctx, doc, 0)
		if len(rows) != 0 {
			t.Errorf("aborted write is visible: %+v", rows)
		}
		return nil
	})
}
