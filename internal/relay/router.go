// Package relay routes call-lifecycle events between live connections.
// Delivery is at-most-once and best-effort: no retry, no ack, no
// queueing for offline targets. A frame lost between resolution and
// delivery stays lost; the caller's timeout covers that window.
package relay

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/core"
	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/presence"
	"github.com/devrtc/devrtc/internal/protocol"
)

// ErrAttemptLimit is returned when a user exceeds the call-initiate
// window; the event is refused, never relayed.
var ErrAttemptLimit = errors.New("too many call attempts")

// Router owns the connection set and resolves user identities through
// the presence registry. Registry mutations and relays never block on
// a slow receiver: every send goes through SignalConnection.TrySend.
type Router struct {
	mu       sync.RWMutex
	registry *presence.Registry
	conns    map[domain.ConnectionID]core.SignalConnection
	limiter  *AttemptLimiter
}

func NewRouter(registry *presence.Registry, limiter *AttemptLimiter) *Router {
	return &Router{
		registry: registry,
		conns:    make(map[domain.ConnectionID]core.SignalConnection),
		limiter:  limiter,
	}
}

// Attach registers a live connection's send side. The connection
// receives presence broadcasts from this point on, announced or not.
func (r *Router) Attach(cid domain.ConnectionID, conn core.SignalConnection) {
	r.mu.Lock()
	r.conns[cid] = conn
	r.mu.Unlock()
}

// Detach forgets the connection and, if it had announced, removes its
// presence entry and broadcasts the shrunken snapshot.
func (r *Router) Detach(cid domain.ConnectionID) {
	r.mu.Lock()
	delete(r.conns, cid)
	r.mu.Unlock()

	if r.registry.Remove(cid) {
		r.broadcastPresence()
	}
}

// Announce binds cid to a user identity and broadcasts the new
// snapshot to every attached connection.
func (r *Router) Announce(cid domain.ConnectionID, user *domain.User) {
	r.registry.Announce(cid, user)
	r.broadcastPresence()
}

// Initiate relays a call offer to the target's most recently announced
// connection. An unreachable target is an expected outcome, reported
// back to the sender as call-unreachable rather than surfaced as an
// error.
func (r *Router) Initiate(sender domain.ConnectionID, m protocol.CallInitiate) error {
	if r.limiter != nil && !r.limiter.Allow(m.From) {
		return ErrAttemptLimit
	}

	target, ok := r.registry.Resolve(m.Target)
	if !ok {
		log.Info().Str("module", "relay").Str("target", string(m.Target)).Msg("initiate: target unreachable")
		r.send(sender, protocol.CallUnreachable{Type: protocol.TypeCallUnreachable, Target: m.Target})
		return nil
	}

	r.send(target, protocol.CallIncoming{
		Type:     protocol.TypeCallIncoming,
		Payload:  m.Payload,
		From:     m.From,
		FromName: m.FromName,
	})
	return nil
}

// Accept relays the answer back to the original caller. A caller that
// has since disconnected makes this a silent no-op.
func (r *Router) Accept(m protocol.CallAccept) {
	target, ok := r.registry.Resolve(m.Target)
	if !ok {
		log.Info().Str("module", "relay").Str("target", string(m.Target)).Msg("accept: caller gone")
		return
	}
	r.send(target, protocol.CallAccepted{Type: protocol.TypeCallAccepted, Payload: m.Payload})
}

// Reject tells the original caller the call was declined; silent no-op
// when the caller is gone.
func (r *Router) Reject(m protocol.CallReject) {
	target, ok := r.registry.Resolve(m.Target)
	if !ok {
		return
	}
	r.send(target, protocol.CallRejected{Type: protocol.TypeCallRejected})
}

// Presence returns the current snapshot for read-only surfaces.
func (r *Router) Presence() []domain.UserID {
	return r.registry.Snapshot()
}

// Identity returns the user announced on cid, if any. The transport
// layer uses it to stamp sender fields instead of trusting the client.
func (r *Router) Identity(cid domain.ConnectionID) (*domain.User, bool) {
	return r.registry.Lookup(cid)
}

func (r *Router) broadcastPresence() {
	snap := protocol.Presence{Type: protocol.TypePresence, Users: r.registry.Snapshot()}
	frame, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("presence marshal")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for cid, conn := range r.conns {
		if err := conn.TrySend(core.Frame(frame)); err != nil {
			// One stuck receiver must not affect the rest.
			log.Warn().Err(err).Str("module", "relay").Str("cid", string(cid)).Msg("presence send dropped")
		}
	}
}

func (r *Router) send(cid domain.ConnectionID, v any) {
	r.mu.RLock()
	conn, ok := r.conns[cid]
	r.mu.RUnlock()
	if !ok {
		// Disconnected between resolve and delivery; best-effort means
		// the frame is simply lost.
		log.Info().Str("module", "relay").Str("cid", string(cid)).Msg("send: connection gone")
		return
	}

	frame, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("send marshal")
		return
	}
	if err := conn.TrySend(core.Frame(frame)); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("cid", string(cid)).Msg("send dropped")
	}
}
