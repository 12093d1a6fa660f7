// Package presence tracks which identities currently own at least one live session.
//
// An identity is online exactly when its session set is non-empty. The
// registry reports the offline->online and online->offline transitions so
// callers can announce them exactly once, no matter how many devices an
// identity connects from.
package presence

import (
	"sort"
	"sync"
)

// Identity is an authenticated user as seen by the realtime layer.
type Identity struct {
	ID       string
	Username string
}

type entry struct {
	identity Identity
	sessions map[string]struct{}
}

// Registry maps identity ids to their live session ids.
//
// Entries with an empty session set are never retained.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds sessionID to the identity's set.
// It returns true only when the identity transitioned from offline to online.
// Registering the same session twice is a no-op and returns false.
func (r *Registry) Register(id Identity, sessionID string) bool {
	if id.ID == "" || sessionID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id.ID]
	if !ok {
		e = &entry{identity: id, sessions: make(map[string]struct{}, 1)}
		r.entries[id.ID] = e
	}
	if _, dup := e.sessions[sessionID]; dup {
		return false
	}
	e.sessions[sessionID] = struct{}{}
	return len(e.sessions) == 1
}

// Deregister removes sessionID from the identity's set.
// It returns true only when the identity transitioned from online to offline.
// Unknown identities or sessions are a no-op returning false.
func (r *Registry) Deregister(identityID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identityID]
	if !ok {
		return false
	}
	if _, ok := e.sessions[sessionID]; !ok {
		return false
	}
	delete(e.sessions, sessionID)
	if len(e.sessions) > 0 {
		return false
	}
	delete(r.entries, identityID)
	return true
}

// IsOnline reports whether the identity has at least one live session.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[identityID]
	return ok
}

// Sessions returns a sorted copy of the identity's session ids.
func (r *Registry) Sessions(identityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identityID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.sessions))
	for sid := range e.sessions {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// OnlineIdentities returns a snapshot of online identities ordered by username.
func (r *Registry) OnlineIdentities() []Identity {
	r.mu.RLock()
	out := make([]Identity, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.identity)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OnlineUsernames is OnlineIdentities projected to usernames.
func (r *Registry) OnlineUsernames() []string {
	ids := r.OnlineIdentities()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Username)
	}
	return out
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SessionCount returns the number of live sessions across all identities.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		n += len(e.sessions)
	}
	return n
}
