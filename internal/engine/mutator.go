package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMutation is returned when a push names a mutator that was
// never registered. It is a request decode error: the batch is rejected
// before any store access.
var ErrUnknownMutation = errors.New("unknown mutation")

// ErrBadArgs is wrapped by mutators whose argument payload cannot be
// decoded. Like ErrUnknownMutation it marks the request itself as
// malformed: retrying the identical batch can never succeed, so
// transports must answer 4xx, not 5xx.
var ErrBadArgs = errors.New("bad mutation args")

// Mutator applies one client mutation against the write buffer. What a
// mutation does to which keys is entirely the mutator's business; the
// protocol only cares that it is deterministic per (name, args).
type Mutator func(ctx context.Context, buf *Buffer, args json.RawMessage) error

// Registry maps mutation names to mutators. Populated at startup,
// read-only afterwards.
type Registry struct {
	mutators map[string]Mutator
}

func NewRegistry() *Registry {
	return &Registry{mutators: map[string]Mutator{}}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Mutator) {
	r.mutators[name] = fn
}

// Lookup returns the mutator for name.
func (r *Registry) Lookup(name string) (Mutator, bool) {
	fn, ok := r.mutators[name]
	return fn, ok
}

type putArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type delArgs struct {
	Key string `json:"key"`
}

// RegisterBuiltins installs the generic key/value mutators:
// put {key, value} and del {key}.
func RegisterBuiltins(r *Registry) {
	r.Register("put", func(ctx context.Context, buf *Buffer, args json.RawMessage) error {
		var a putArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("%w: put: %v", ErrBadArgs, err)
		}
		if a.Key == "" {
			return fmt.Errorf("%w: put: missing key", ErrBadArgs)
		}
		if a.Value == nil {
			a.Value = json.RawMessage(`null`)
		}
		buf.Put(a.Key, a.Value)
		return nil
	})
	r.Register("del", func(ctx context.Context, buf *Buffer, args json.RawMessage) error {
		var a delArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("%w: del: %v", ErrBadArgs, err)
		}
		if a.Key == "" {
			return fmt.Errorf("%w: del: missing key", ErrBadArgs)
		}
		buf.Del(a.Key)
		return nil
	})
}
