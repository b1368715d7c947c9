package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/collabdraw/docsync/internal/engine"
	"github.com/collabdraw/docsync/internal/live"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Socket frames are 2-tuples [type, payload].
// Server to client: ["poke", null], ["pullRes", response], ["error", message].
// Client to server: ["pushReq", pushBody], ["pullReq", pullBody].

// HandleSocket handles GET /ws/d/{docID}?clientID=<id>
// The connection receives pokes for the document and may mirror push and
// pull requests over the same channel.
func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	clientID := r.URL.Query().Get("clientID")
	if docID == "" || clientID == "" {
		writeError(w, r, 400, "missing docID or clientID")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := s.Live.Register(clientID, docID, ws)
	defer func() {
		s.Live.Unregister(conn)
		conn.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleSocketFrame(r.Context(), conn, data)
	}
}

func (s *Server) handleSocketFrame(ctx context.Context, conn *live.Conn, data []byte) {
	logger := log.Ctx(ctx).With().
		Str("connID", conn.ID).
		Str("clientID", conn.ClientID).
		Logger()

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) != 2 {
		sendError(conn, "malformed frame")
		return
	}
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		sendError(conn, "malformed frame")
		return
	}
	payload := frame[1]

	switch kind {
	case "pushReq":
		if err := validateBytes(payload, pushSchema); err != nil {
			logger.Warn().Err(err).Msg("rejecting socket push")
			sendError(conn, err.Error())
			return
		}
		var req engine.PushRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			sendError(conn, "invalid json")
			return
		}
		if err := s.Push.Push(ctx, conn.DocID, req); err != nil {
			if errors.Is(err, engine.ErrUnknownMutation) || errors.Is(err, engine.ErrBadArgs) {
				logger.Warn().Err(err).Msg("rejecting socket push")
				sendError(conn, err.Error())
				return
			}
			logger.Error().Err(err).Msg("socket push failed")
			sendError(conn, "push failed")
			return
		}
		s.Live.Poke(conn.DocID)

	case "pullReq":
		if err := validateBytes(payload, pullSchema); err != nil {
			logger.Warn().Err(err).Msg("rejecting socket pull")
			sendError(conn, err.Error())
			return
		}
		var req engine.PullRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			sendError(conn, "invalid json")
			return
		}
		resp, err := s.Pull.Pull(ctx, conn.DocID, req)
		if err != nil {
			logger.Error().Err(err).Msg("socket pull failed")
			sendError(conn, "pull failed")
			return
		}
		sendFrame(conn, "pullRes", resp)

	default:
		sendError(conn, "unknown request type")
	}
}

func sendFrame(conn *live.Conn, kind string, payload any) {
	data, err := json.Marshal([]any{kind, payload})
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to marshal frame")
		return
	}
	if err := conn.Send(data); err != nil {
		log.Debug().Err(err).Str("connID", conn.ID).Msg("frame send failed")
	}
}

func sendError(conn *live.Conn, msg string) {
	sendFrame(conn, "error", msg)
}
