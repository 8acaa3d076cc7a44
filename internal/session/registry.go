package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the process-wide index from user identity to live
// connections. Registration and close are serialized under one lock;
// broadcasts snapshot the set under the lock and send outside it.
type Registry struct {
	logger zerolog.Logger

	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Conn
	byUser map[string]map[int64]*Conn
}

// NewRegistry builds an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		byID:   make(map[int64]*Conn),
		byUser: make(map[string]map[int64]*Conn),
	}
}

// NextID allocates a process-unique connection id.
func (r *Registry) NextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Register adds a connection. Multiple connections per user are
// allowed (different devices); a clientId collision closes the earlier
// connection with reason Superseded.
func (r *Registry) Register(c *Conn) {
	var superseded *Conn

	r.mu.Lock()
	userID := c.Identity.UserID
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[int64]*Conn)
		r.byUser[userID] = conns
	}
	if c.ClientID != "" {
		for _, existing := range conns {
			if existing.ClientID == c.ClientID {
				superseded = existing
				break
			}
		}
	}
	if superseded != nil {
		delete(conns, superseded.ID)
		delete(r.byID, superseded.ID)
	}
	conns[c.ID] = c
	r.byID[c.ID] = c
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Info().
			Int64("conn_id", superseded.ID).
			Int64("superseded_by", c.ID).
			Str("client_id", c.ClientID).
			Msg("Connection superseded")
		superseded.Close(ReasonSuperseded)
	}
}

// Remove drops a connection from the index. Idempotent.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return
	}
	delete(r.byID, c.ID)
	userID := c.Identity.UserID
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// ForUser returns a consistent snapshot of the user's live connections.
func (r *Registry) ForUser(userID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byUser[userID]
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Get returns a connection by id.
func (r *Registry) Get(connID int64) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connID]
	return c, ok
}

// Broadcast sends msg to every connection of the user except the one
// identified by except (0 excludes none). A connection whose outbound
// queue overflows is closed as a slow consumer.
func (r *Registry) Broadcast(userID string, except int64, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal broadcast")
		return
	}
	for _, c := range r.ForUser(userID) {
		if c.ID == except {
			continue
		}
		if !c.TrySend(frame) {
			c.Close(ReasonSlowConsumer)
		}
	}
}

// Snapshot enumerates every live connection.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Len returns the live connection count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
