package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/collabdraw/docsync/internal/store"
	"github.com/collabdraw/docsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// ErrBadCookie is returned for a pull whose cookie cannot be decoded.
var ErrBadCookie = errors.New("invalid cookie")

// PullRequest asks for every change after Cookie. An empty cookie means
// the client has never synced and wants the whole document.
type PullRequest struct {
	ClientID string `json:"clientID"`
	Cookie   string `json:"cookie"`
}

// PatchOp is one entry of a pull patch.
type PatchOp struct {
	Op    string          `json:"op"` // "put" or "del"
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PullResponse carries the delta since the request cookie. Applying Patch
// to a replica that was exactly at the request cookie yields the document
// state at Cookie.
type PullResponse struct {
	Cookie         string    `json:"cookie"`
	LastMutationID int64     `json:"lastMutationID"`
	Patch          []PatchOp `json:"patch"`
}

// Differ computes incremental pulls.
type Differ struct {
	store store.Store
}

func NewDiffer(s store.Store) *Differ {
	return &Differ{store: s}
}

// Pull returns every key changed since the request cookie, the client's
// mutation watermark, and a fresh cookie. It runs in one transaction for
// a consistent snapshot and is safe to repeat with the same cookie.
func (d *Differ) Pull(ctx context.Context, docID string, req PullRequest) (*PullResponse, error) {
	since, ok := syncx.DecodeCookie(req.Cookie)
	if !ok {
		return nil, ErrBadCookie
	}

	var resp *PullResponse
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		rows, err := tx.ChangedSince(ctx, docID, since.Ms)
		if err != nil {
			return err
		}
		lastMutationID, err := tx.LastMutationID(ctx, req.ClientID, docID, false)
		if err != nil {
			return err
		}

		// The response cookie is the max stamp of the rows actually
		// delivered, floored at the request cookie. Deriving it from the
		// patch itself (rather than a separate max-timestamp query) keeps
		// cookie and patch on one snapshot: a write committed between the
		// two reads stays above the cookie and is delivered next pull.
		cookieMs := since.Ms
		for _, r := range rows {
			if r.LastModified > cookieMs {
				cookieMs = r.LastModified
			}
		}

		// Remember the checkpoint handed out; monotonic, so a repeated
		// pull with an old cookie changes nothing.
		if err := tx.SetLastCookie(ctx, req.ClientID, docID, cookieMs); err != nil {
			return err
		}

		patch := make([]PatchOp, 0, len(rows))
		for _, r := range rows {
			if r.Deleted {
				patch = append(patch, PatchOp{Op: "del", Key: r.Key})
			} else {
				patch = append(patch, PatchOp{Op: "put", Key: r.Key, Value: r.Value})
			}
		}

		resp = &PullResponse{
			Cookie:         syncx.EncodeCookie(syncx.Cookie{Ms: cookieMs}),
			LastMutationID: lastMutationID,
			Patch:          patch,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Debug().
		Str("docID", docID).
		Str("clientID", req.ClientID).
		Int("patch", len(resp.Patch)).
		Msg("pull computed")
	return resp, nil
}
