// Package presence is the source of truth for which user identities
// are reachable right now, and over which connection.
package presence

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/domain"
)

// Registry maps live connections to announced users. A forward map
// serves disconnect cleanup; a reverse index serves O(1) resolution.
// The reverse index keeps connections in announce order so that
// last-writer-wins stays an explicit policy rather than map-iteration
// luck.
type Registry struct {
	mu     sync.RWMutex
	byConn map[domain.ConnectionID]*domain.User
	byUser map[domain.UserID][]domain.ConnectionID
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[domain.ConnectionID]*domain.User),
		byUser: make(map[domain.UserID][]domain.ConnectionID),
	}
}

// Announce inserts or overwrites the entry for cid. Re-announcing the
// same identity is idempotent; announcing a different identity on the
// same connection replaces the old binding.
func (r *Registry) Announce(cid domain.ConnectionID, user *domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[cid]; ok {
		r.dropFromIndex(prev.ID, cid)
	}
	r.byConn[cid] = user
	r.byUser[user.ID] = append(r.byUser[user.ID], cid)
	log.Info().Str("module", "presence").Str("cid", string(cid)).Str("user", string(user.ID)).Msg("announced")
}

// Remove deletes the entry for cid if present. It reports whether an
// entry was actually removed so the caller can skip a presence
// broadcast for connections that never announced.
func (r *Registry) Remove(cid domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConn[cid]
	if !ok {
		return false
	}
	delete(r.byConn, cid)
	r.dropFromIndex(user.ID, cid)
	log.Info().Str("module", "presence").Str("cid", string(cid)).Str("user", string(user.ID)).Msg("removed")
	return true
}

// Resolve returns a live connection announced under uid. When the user
// has several simultaneous connections the most recently announced one
// wins; this is a deliberate simplification, not a multi-device fanout.
func (r *Registry) Resolve(uid domain.UserID) (domain.ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[uid]
	if len(conns) == 0 {
		return "", false
	}
	return conns[len(conns)-1], true
}

// Lookup returns the user announced on cid, if any.
func (r *Registry) Lookup(cid domain.ConnectionID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[cid]
	return u, ok
}

// Snapshot returns the distinct announced user identities. Multiple
// connections of one user collapse to a single element.
func (r *Registry) Snapshot() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.UserID, 0, len(r.byUser))
	for uid, conns := range r.byUser {
		if len(conns) > 0 {
			out = append(out, uid)
		}
	}
	return out
}

// dropFromIndex removes cid from uid's connection list; callers hold
// the write lock.
func (r *Registry) dropFromIndex(uid domain.UserID, cid domain.ConnectionID) {
	conns := r.byUser[uid]
	for i, c := range conns {
		if c == cid {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byUser, uid)
		return
	}
	r.byUser[uid] = conns
}
