package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/collabdraw/docsync/internal/engine"
	"github.com/rs/zerolog/log"
)

// HandlePull handles POST /pull?docID=<id> with a JSON body, or GET with
// clientID/cookie query parameters. Returns the patch the client is
// missing since its cookie; safe to repeat with the same cookie.
func (s *Server) HandlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	docID := r.URL.Query().Get("docID")
	if docID == "" {
		writeError(w, r, 400, "missing docID")
		return
	}

	var req engine.PullRequest
	if r.Method == http.MethodGet {
		req.ClientID = r.URL.Query().Get("clientID")
		req.Cookie = r.URL.Query().Get("cookie")
		if req.ClientID == "" {
			writeError(w, r, 400, "missing clientID")
			return
		}
	} else {
		body, err := readValidated(r, pullSchema)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("rejecting pull request")
			writeError(w, r, 400, err.Error())
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, 400, "invalid json")
			return
		}
	}

	resp, err := s.Pull.Pull(ctx, docID, req)
	if err != nil {
		if errors.Is(err, engine.ErrBadCookie) {
			writeError(w, r, 400, err.Error())
			return
		}
		log.Ctx(ctx).Error().Err(err).Str("docID", docID).Msg("pull failed")
		writeError(w, r, 500, "pull failed")
		return
	}

	writeJSON(w, 200, resp)
}
