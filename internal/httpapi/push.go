package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/collabdraw/docsync/internal/engine"
	"github.com/rs/zerolog/log"
)

// HandlePush handles POST /push?docID=<id>
// Applies an ordered mutation batch in one transaction and pokes every
// live connection on the document. Replays of an already-applied batch
// are no-ops, so clients retry failed pushes in full.
func (s *Server) HandlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	docID := r.URL.Query().Get("docID")
	if docID == "" {
		writeError(w, r, 400, "missing docID")
		return
	}

	body, err := readValidated(r, pushSchema)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("rejecting push request")
		writeError(w, r, 400, err.Error())
		return
	}

	var req engine.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, 400, "invalid json")
		return
	}

	if err := s.Push.Push(ctx, docID, req); err != nil {
		// Unknown names and undecodable args are defects in the batch
		// itself; a retry of the same batch can never succeed.
		if errors.Is(err, engine.ErrUnknownMutation) || errors.Is(err, engine.ErrBadArgs) {
			log.Ctx(ctx).Warn().Err(err).Msg("rejecting push request")
			writeError(w, r, 400, err.Error())
			return
		}
		log.Ctx(ctx).Error().Err(err).Str("docID", docID).Msg("push failed")
		writeError(w, r, 500, "push failed")
		return
	}

	s.Live.Poke(docID)
	w.WriteHeader(http.StatusNoContent)
}
