package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/collabdraw/docsync/internal/store"
	"github.com/go-playground/assert/v2"
)

func newTestEngine() (*Processor, *Differ) {
	st := store.NewMemoryStore()
	reg := NewRegistry()
	RegisterBuiltins(reg)
	return NewProcessor(st, reg), NewDiffer(st)
}

func putMutation(id int64, key, value string) Mutation {
	args, _ := json.Marshal(map[string]json.RawMessage{
		"key":   json.RawMessage(`"` + key + `"`),
		"value": json.RawMessage(value),
	})
	return Mutation{ID: id, Name: "put", Args: args}
}

func delMutation(id int64, key string) Mutation {
	args, _ := json.Marshal(map[string]string{"key": key})
	return Mutation{ID: id, Name: "del", Args: args}
}

func pullPatch(t *testing.T, d *Differ, docID, clientID, cookie string) *PullResponse {
	t.Helper()
	resp, err := d.Pull(context.Background(), docID, PullRequest{ClientID: clientID, Cookie: cookie})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	return resp
}

func TestPushAppliesMutationsInOrder(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	err := proc.Push(ctx, "doc1", PushRequest{
		ClientID: "c1",
		Mutations: []Mutation{
			putMutation(1, "x", `1`),
			putMutation(2, "x", `2`),
			putMutation(3, "y", `"hi"`),
		},
	})
	assert.Equal(t, err, nil)

	resp := pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(3))
	assert.Equal(t, len(resp.Patch), 2)

	values := map[string]string{}
	for _, op := range resp.Patch {
		assert.Equal(t, op.Op, "put")
		values[op.Key] = string(op.Value)
	}
	assert.Equal(t, values["x"], `2`)
	assert.Equal(t, values["y"], `"hi"`)
}

func TestPushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	batch := PushRequest{
		ClientID:  "c1",
		Mutations: []Mutation{putMutation(1, "x", `1`)},
	}

	assert.Equal(t, proc.Push(ctx, "doc1", batch), nil)
	first := pullPatch(t, differ, "doc1", "c1", "")

	// Resubmitting the identical batch must not touch the store.
	assert.Equal(t, proc.Push(ctx, "doc1", batch), nil)
	second := pullPatch(t, differ, "doc1", "c1", "")

	assert.Equal(t, second.LastMutationID, int64(1))
	assert.Equal(t, second.Cookie, first.Cookie)

	// Incremental pull after the replay sees nothing new.
	delta := pullPatch(t, differ, "doc1", "c1", first.Cookie)
	assert.Equal(t, len(delta.Patch), 0)
}

func TestPushSkipsGapMutations(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	// id 5 is beyond watermark+1: logged and skipped, not fatal.
	err := proc.Push(ctx, "doc1", PushRequest{
		ClientID: "c1",
		Mutations: []Mutation{
			putMutation(1, "x", `1`),
			putMutation(5, "boom", `true`),
		},
	})
	assert.Equal(t, err, nil)

	resp := pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(1))
	assert.Equal(t, len(resp.Patch), 1)
	assert.Equal(t, resp.Patch[0].Key, "x")

	// The client replays from local history; the gap closes in order.
	err = proc.Push(ctx, "doc1", PushRequest{
		ClientID: "c1",
		Mutations: []Mutation{
			putMutation(2, "a", `1`),
			putMutation(3, "b", `2`),
		},
	})
	assert.Equal(t, err, nil)
	resp = pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(3))
}

func TestPushRejectsUnknownMutation(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	err := proc.Push(ctx, "doc1", PushRequest{
		ClientID: "c1",
		Mutations: []Mutation{
			putMutation(1, "x", `1`),
			{ID: 2, Name: "teleport", Args: json.RawMessage(`{}`)},
		},
	})
	if !errors.Is(err, ErrUnknownMutation) {
		t.Fatalf("expected ErrUnknownMutation, got %v", err)
	}

	// Rejected before any store access: nothing applied, watermark at 0.
	resp := pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(0))
	assert.Equal(t, len(resp.Patch), 0)
}

func TestPushRollsBackOnMutatorError(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	err := proc.Push(ctx, "doc1", PushRequest{
		ClientID: "c1",
		Mutations: []Mutation{
			putMutation(1, "x", `1`),
			{ID: 2, Name: "put", Args: json.RawMessage(`{"key":""}`)},
		},
	})
	if !errors.Is(err, ErrBadArgs) {
		t.Fatalf("expected ErrBadArgs, got %v", err)
	}

	// All-or-nothing: the first mutation must not have been committed.
	resp := pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(0))
	assert.Equal(t, len(resp.Patch), 0)

	// The whole batch can be retried once the bad mutation is fixed.
	err = proc.Push(ctx, "doc1", PushRequest{
		ClientID: "c1",
		Mutations: []Mutation{
			putMutation(1, "x", `1`),
			putMutation(2, "y", `2`),
		},
	})
	assert.Equal(t, err, nil)
	resp = pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(2))
}

func TestPushRejectsUndecodableArgs(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	// A mutation with no args at all cannot be decoded; retrying the
	// identical batch can never succeed, so the error carries ErrBadArgs
	// for transports to translate into a client error.
	err := proc.Push(ctx, "doc1", PushRequest{
		ClientID:  "c1",
		Mutations: []Mutation{{ID: 1, Name: "put"}},
	})
	if !errors.Is(err, ErrBadArgs) {
		t.Fatalf("expected ErrBadArgs, got %v", err)
	}

	// The watermark is untouched, so a corrected batch reuses id 1.
	resp := pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(0))

	assert.Equal(t, proc.Push(ctx, "doc1", PushRequest{
		ClientID:  "c1",
		Mutations: []Mutation{putMutation(1, "x", `1`)},
	}), nil)
	resp = pullPatch(t, differ, "doc1", "c1", "")
	assert.Equal(t, resp.LastMutationID, int64(1))
}

func TestPushIsolatesClients(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	assert.Equal(t, proc.Push(ctx, "doc1", PushRequest{
		ClientID:  "a",
		Mutations: []Mutation{putMutation(1, "x", `1`)},
	}), nil)
	assert.Equal(t, proc.Push(ctx, "doc1", PushRequest{
		ClientID:  "b",
		Mutations: []Mutation{putMutation(1, "y", `2`)},
	}), nil)

	respA := pullPatch(t, differ, "doc1", "a", "")
	respB := pullPatch(t, differ, "doc1", "b", "")
	assert.Equal(t, respA.LastMutationID, int64(1))
	assert.Equal(t, respB.LastMutationID, int64(1))

	// Both clients see the merged document.
	assert.Equal(t, len(respA.Patch), 2)
	assert.Equal(t, len(respB.Patch), 2)
}

func TestPushPartitionsByDocument(t *testing.T) {
	ctx := context.Background()
	proc, differ := newTestEngine()

	assert.Equal(t, proc.Push(ctx, "doc1", PushRequest{
		ClientID:  "a",
		Mutations: []Mutation{putMutation(1, "x", `1`)},
	}), nil)

	resp := pullPatch(t, differ, "doc2", "b", "")
	assert.Equal(t, len(resp.Patch), 0)
	assert.Equal(t, resp.Cookie, "")
}
