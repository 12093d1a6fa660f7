// Package realtime contains the Tars websocket gateway, the session hub that
// routes direct messages and signaling between identities, and message
// persistence.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tars/cmd/internal/presence"
	v1 "tars/shared/contracts/realtime/v1"
)

// Hub owns the live sessions and the presence registry.
//
// Attach and Detach hold the write lock while they mutate presence and fan
// out the resulting presence event, so every session sees transitions in one
// order. Deliveries hold only the read lock. No send under either lock ever
// blocks: a session whose queue is full is closed instead (reaped), and its
// gateway goroutines then run the normal disconnect path.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	presence *presence.Registry
	sessions map[string]*Client
}

// NewHub constructs a Hub instance. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		presence: presence.NewRegistry(),
		sessions: make(map[string]*Client),
	}
}

func (h *Hub) Metrics() *Metrics { return h.metrics }

// Attach activates c, registers it and, when its identity just came online,
// announces user_joined to every live session (c included). The new session
// always receives a presence_snapshot first. It reports whether the identity
// transitioned to online; a client that is not Connecting is refused.
func (h *Hub) Attach(c *Client) (becameOnline, ok bool) {
	if c == nil || c.SessionID == "" || c.Identity.ID == "" {
		return false, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !c.activate() {
		return false, false
	}

	h.sessions[c.SessionID] = c
	becameOnline = h.presence.Register(c.Identity, c.SessionID)
	online := h.presence.OnlineUsernames()

	snap, _ := json.Marshal(v1.PresenceSnapshotPayload{Online: online})
	h.deliver(c, newEnvelope(v1.TypePresenceSnapshot, snap, h.now()))

	if becameOnline {
		h.metrics.presenceTransition("join")
		h.broadcastPresence(v1.TypeUserJoined, c.Identity.Username, online)
	}
	h.metrics.setPresence(len(h.sessions), h.presence.Len())

	h.log.Info("hub.session.attach",
		"session_id", c.SessionID,
		"user_id", c.Identity.ID,
		"became_online", becameOnline,
		"sessions", len(h.sessions),
	)
	return becameOnline, true
}

// Detach closes c and removes it. When the identity's last session goes the
// remaining sessions receive user_left. Detach is idempotent and reports
// whether the identity transitioned to offline.
func (h *Hub) Detach(c *Client) bool {
	if c == nil {
		return false
	}
	c.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.sessions[c.SessionID]; !ok || cur != c {
		return false
	}
	delete(h.sessions, c.SessionID)

	becameOffline := h.presence.Deregister(c.Identity.ID, c.SessionID)
	if becameOffline {
		h.metrics.presenceTransition("leave")
		h.broadcastPresence(v1.TypeUserLeft, c.Identity.Username, h.presence.OnlineUsernames())
	}
	h.metrics.setPresence(len(h.sessions), h.presence.Len())

	h.log.Info("hub.session.detach",
		"session_id", c.SessionID,
		"user_id", c.Identity.ID,
		"became_offline", becameOffline,
		"sessions", len(h.sessions),
	)
	return becameOffline
}

// DeliverToIdentity enqueues env to every live session of identityID and
// returns how many accepted it.
func (h *Hub) DeliverToIdentity(identityID string, env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.deliverToLocked(identityID, env)
}

// DeliverToIdentities is DeliverToIdentity over a set; repeated ids receive env once.
func (h *Hub) DeliverToIdentities(env v1.Envelope, identityIDs ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	seen := make(map[string]struct{}, len(identityIDs))
	for _, id := range identityIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		n += h.deliverToLocked(id, env)
	}
	return n
}

// DeliverToAll enqueues env to every live session.
func (h *Hub) DeliverToAll(env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.sessions {
		if h.deliver(c, env) {
			n++
		}
	}
	return n
}

func (h *Hub) IsOnline(identityID string) bool {
	return h.presence.IsOnline(identityID)
}

// Online returns the online identities ordered by username.
func (h *Hub) Online() []presence.Identity {
	return h.presence.OnlineIdentities()
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every live session. Their gateways detach them.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	return len(clients)
}

// ---- locked helpers ----

func (h *Hub) deliverToLocked(identityID string, env v1.Envelope) int {
	n := 0
	for _, sid := range h.presence.Sessions(identityID) {
		c, ok := h.sessions[sid]
		if !ok {
			continue
		}
		if h.deliver(c, env) {
			n++
		}
	}
	return n
}

func (h *Hub) broadcastPresence(typ, username string, online []string) {
	payload, _ := json.Marshal(v1.PresenceChangePayload{Username: username, Online: online})
	env := newEnvelope(typ, payload, h.now())
	for _, c := range h.sessions {
		h.deliver(c, env)
	}
}

// deliver never blocks. A full queue reaps the session.
func (h *Hub) deliver(c *Client, env v1.Envelope) bool {
	if c.TrySend(env) {
		h.metrics.delivered(env.Type)
		return true
	}
	if c.Close() {
		h.metrics.sessionReaped()
		h.log.Info("hub.session.reap",
			"session_id", c.SessionID,
			"user_id", c.Identity.ID,
			"type", env.Type,
		)
	}
	return false
}
