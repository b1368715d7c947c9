package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collabdraw/docsync/internal/store"
	"github.com/rs/zerolog/log"
)

// Mutation is one client-submitted operation. IDs are client-local and
// strictly increasing per client; they double as the idempotency key.
type Mutation struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// PushRequest is an ordered batch of mutations from one client.
type PushRequest struct {
	ClientID  string     `json:"clientID"`
	Mutations []Mutation `json:"mutations"`
}

// Processor applies push batches against the store.
type Processor struct {
	store    store.Store
	mutators *Registry
}

func NewProcessor(s store.Store, r *Registry) *Processor {
	return &Processor{store: s, mutators: r}
}

// Push applies req's mutations to docID inside one transaction.
//
// The client row is locked for the duration, so two in-flight pushes from
// the same client serialize and consume mutation ids in order. Mutations
// at or below the watermark are duplicates and are skipped, which makes
// resubmitting a whole batch after a perceived timeout a no-op. A gap
// (id beyond watermark+1) is logged and skipped; the client replays it
// from local history on a later push.
func (p *Processor) Push(ctx context.Context, docID string, req PushRequest) error {
	logger := log.Ctx(ctx).With().
		Str("docID", docID).
		Str("clientID", req.ClientID).
		Logger()

	// Reject unknown mutation names before touching the store.
	for _, m := range req.Mutations {
		if _, ok := p.mutators.Lookup(m.Name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMutation, m.Name)
		}
	}

	return p.store.WithTx(ctx, func(tx store.Tx) error {
		last, err := tx.LastMutationID(ctx, req.ClientID, docID, true)
		if err != nil {
			return err
		}

		buf := NewBuffer(tx, docID)
		applied := 0

		for _, m := range req.Mutations {
			expected := last + 1
			if m.ID < expected {
				logger.Debug().Int64("mutationID", m.ID).Msg("skipping duplicate mutation")
				continue
			}
			if m.ID > expected {
				logger.Warn().
					Int64("mutationID", m.ID).
					Int64("expected", expected).
					Msg("mutation id gap, client must resubmit")
				continue
			}

			fn, _ := p.mutators.Lookup(m.Name)
			if err := fn(ctx, buf, m.Args); err != nil {
				return fmt.Errorf("mutation %d (%s): %w", m.ID, m.Name, err)
			}
			last = m.ID
			applied++
		}

		if err := buf.Flush(ctx); err != nil {
			return err
		}
		if err := tx.SetLastMutationID(ctx, req.ClientID, docID, last); err != nil {
			return err
		}

		logger.Info().
			Int("submitted", len(req.Mutations)).
			Int("applied", applied).
			Int64("lastMutationID", last).
			Msg("push applied")
		return nil
	})
}
