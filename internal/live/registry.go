package live

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// pokeFrame is the content-free "something changed, re-pull" signal.
var pokeFrame = []byte(`["poke",null]`)

// Conn is one live client connection.
type Conn struct {
	ID       string
	ClientID string
	DocID    string

	ws *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// Send writes a single text frame with a deadline.
func (c *Conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Registry tracks live connections, at most one per clientID. It is owned
// by the server process and safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn // clientID -> connection
}

func NewRegistry() *Registry {
	return &Registry{conns: map[string]*Conn{}}
}

// Register adds a connection for (clientID, docID). A prior connection
// for the same clientID is evicted and closed: last connection wins.
func (r *Registry) Register(clientID, docID string, ws *websocket.Conn) *Conn {
	c := &Conn{
		ID:       ulid.Make().String(),
		ClientID: clientID,
		DocID:    docID,
		ws:       ws,
	}

	r.mu.Lock()
	prev := r.conns[clientID]
	r.conns[clientID] = c
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
		log.Debug().
			Str("clientID", clientID).
			Str("evicted", prev.ID).
			Msg("evicted stale connection")
	}

	log.Info().
		Str("connID", c.ID).
		Str("clientID", clientID).
		Str("docID", docID).
		Msg("client connected")
	return c
}

// Unregister removes c if it is still the registered connection for its
// client. A connection evicted by a newer one is left alone.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[c.ClientID]; ok && cur == c {
		delete(r.conns, c.ClientID)
	}
	r.mu.Unlock()

	log.Info().
		Str("connID", c.ID).
		Str("clientID", c.ClientID).
		Msg("client disconnected")
}

// Count returns the number of live connections on docID.
func (r *Registry) Count(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.conns {
		if c.DocID == docID {
			n++
		}
	}
	return n
}

// Poke fans a content-free changed signal out to every connection on
// docID, the originator included (pull is idempotent, so a redundant
// re-pull is harmless). Fire and forget: a failed write prunes the
// connection.
func (r *Registry) Poke(docID string) {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.DocID == docID {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(pokeFrame); err != nil {
			log.Debug().
				Err(err).
				Str("connID", c.ID).
				Str("clientID", c.ClientID).
				Msg("poke failed, dropping connection")
			c.Close()
			r.Unregister(c)
		}
	}
}
