package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/domain"
)

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
)

// Session is the per-connection call state machine. A mutex serializes
// every transition, so events are processed one at a time in arrival
// order and a second media acquisition can never start while one is in
// flight. Every transition that leaves a non-idle state goes through
// teardown, which is total and idempotent.
type Session struct {
	signaler  Signaler
	device    MediaDevice
	negotiate NegotiatorFactory
	notifier  Notifier
	timeout   time.Duration

	mu           sync.Mutex
	state        State
	peer         domain.UserID
	peerName     string
	pendingOffer json.RawMessage
	stream       MediaStream
	neg          Negotiator
	timer        *time.Timer
	epoch        uint64
}

// NewSession wires the session's collaborators. timeout bounds the
// calling and ringing states; zero disables the bound (not
// recommended: the relay gives no delivery guarantee).
func NewSession(signaler Signaler, device MediaDevice, negotiate NegotiatorFactory, notifier Notifier, timeout time.Duration) *Session {
	return &Session{
		signaler:  signaler,
		device:    device,
		negotiate: negotiate,
		notifier:  notifier,
		timeout:   timeout,
		state:     StateIdle,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the other party of the current attempt, if any.
func (s *Session) Peer() (domain.UserID, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.peerName
}

// Start places an outbound call. Local media comes up first: a call
// must never enter calling without live capture. Rejected outright
// when the session is not idle.
func (s *Session) Start(ctx context.Context, target domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrBusy
	}

	stream, err := s.device.Acquire(ctx)
	if err != nil {
		s.notifyMediaFailure(target, err)
		return err
	}
	s.stream = stream

	neg, err := s.negotiate()
	if err != nil {
		s.teardownLocked()
		return fmt.Errorf("create negotiation: %w", err)
	}
	s.neg = neg

	offer, err := neg.CreateOffer(ctx, stream)
	if err != nil {
		s.teardownLocked()
		s.notifier.Notify(Notice{Kind: NoticeNegotiationFailed, Peer: target, Text: "could not start the call"})
		return fmt.Errorf("create offer: %w", err)
	}

	if err := s.signaler.Initiate(target, offer); err != nil {
		s.teardownLocked()
		return fmt.Errorf("send offer: %w", err)
	}

	s.state = StateCalling
	s.peer = target
	s.armTimerLocked()
	log.Info().Str("module", "call").Str("peer", string(target)).Msg("calling")
	return nil
}

// HandleIncoming reacts to a relayed call-incoming. The offer is held
// pending and media stays off until the user accepts; merely ringing
// must not light the camera. A session that is not idle declines the
// new caller immediately.
func (s *Session) HandleIncoming(from domain.UserID, fromName string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		log.Info().Str("module", "call").Str("from", string(from)).Str("state", string(s.state)).Msg("busy, rejecting incoming")
		if err := s.signaler.Reject(from); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("busy reject send")
		}
		return
	}

	s.state = StateRinging
	s.peer = from
	s.peerName = fromName
	s.pendingOffer = payload
	s.armTimerLocked()
	s.notifier.Notify(Notice{Kind: NoticeIncoming, Peer: from, Text: fromName + " is calling"})
	log.Info().Str("module", "call").Str("from", string(from)).Msg("ringing")
}

// Accept answers the pending incoming call. Media acquisition failure
// aborts back to idle; the caller side is not told and resolves the
// stall through its own timeout.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRinging {
		return ErrNotRinging
	}

	stream, err := s.device.Acquire(ctx)
	if err != nil {
		peer := s.peer
		s.teardownLocked()
		s.notifyMediaFailure(peer, err)
		return err
	}
	s.stream = stream

	neg, err := s.negotiate()
	if err != nil {
		s.teardownLocked()
		return fmt.Errorf("create negotiation: %w", err)
	}
	s.neg = neg

	answer, err := neg.CreateAnswer(ctx, stream, s.pendingOffer)
	if err != nil {
		peer := s.peer
		s.teardownLocked()
		s.notifier.Notify(Notice{Kind: NoticeNegotiationFailed, Peer: peer, Text: "could not answer the call"})
		return fmt.Errorf("create answer: %w", err)
	}

	if err := s.signaler.Accept(s.peer, answer); err != nil {
		s.teardownLocked()
		return fmt.Errorf("send answer: %w", err)
	}

	s.state = StateConnected
	s.pendingOffer = nil
	s.stopTimerLocked()
	s.notifier.Notify(Notice{Kind: NoticeConnected, Peer: s.peer, Text: "call connected"})
	log.Info().Str("module", "call").Str("peer", string(s.peer)).Msg("connected")
	return nil
}

// Decline turns down the pending incoming call. Media was never
// acquired, so there is nothing to release beyond the session fields.
func (s *Session) Decline() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRinging {
		return ErrNotRinging
	}

	peer := s.peer
	s.teardownLocked()
	if err := s.signaler.Reject(peer); err != nil {
		return fmt.Errorf("send reject: %w", err)
	}
	log.Info().Str("module", "call").Str("peer", string(peer)).Msg("declined")
	return nil
}

// HandleAccepted completes the outbound negotiation with the remote
// answer. Stale answers outside calling are dropped.
func (s *Session) HandleAccepted(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCalling {
		log.Info().Str("module", "call").Str("state", string(s.state)).Msg("stale call-accepted dropped")
		return
	}

	if err := s.neg.AcceptAnswer(payload); err != nil {
		peer := s.peer
		s.teardownLocked()
		s.notifier.Notify(Notice{Kind: NoticeNegotiationFailed, Peer: peer, Text: "call setup failed"})
		log.Error().Err(err).Str("module", "call").Msg("accept answer")
		return
	}

	s.state = StateConnected
	s.stopTimerLocked()
	s.notifier.Notify(Notice{Kind: NoticeConnected, Peer: s.peer, Text: "call connected"})
	log.Info().Str("module", "call").Str("peer", string(s.peer)).Msg("connected")
}

// HandleRejected reacts to the remote side declining or dropping.
func (s *Session) HandleRejected() {
	s.remoteEnd(NoticeDeclined, "call declined")
}

// HandleUnreachable reacts to the relay reporting the target had no
// live connection.
func (s *Session) HandleUnreachable() {
	s.remoteEnd(NoticeUnreachable, "user is not reachable")
}

// HandlePresence reacts to a presence broadcast: when the peer's last
// connection vanishes mid-call, the call ends within that notification
// cycle instead of waiting for ICE to notice.
func (s *Session) HandlePresence(users []domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return
	}
	for _, u := range users {
		if u == s.peer {
			return
		}
	}
	peer := s.peer
	s.teardownLocked()
	s.notifier.Notify(Notice{Kind: NoticeEnded, Peer: peer, Text: "peer disconnected"})
	log.Info().Str("module", "call").Str("peer", string(peer)).Msg("peer went offline mid-call")
}

// NegotiationFailed is how the peer-connection adapter reports an
// asynchronous failure; it is treated like a remote rejection.
func (s *Session) NegotiationFailed(err error) {
	log.Error().Err(err).Str("module", "call").Msg("negotiation failed")
	s.remoteEnd(NoticeNegotiationFailed, "connection lost")
}

// Hangup ends the call from any state. Calling it twice is harmless.
func (s *Session) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return
	}
	peer := s.peer
	s.teardownLocked()
	s.notifier.Notify(Notice{Kind: NoticeEnded, Peer: peer, Text: "call ended"})
	log.Info().Str("module", "call").Str("peer", string(peer)).Msg("hangup")
}

// TransportClosed forces an immediate fall back to idle with full
// resource teardown, regardless of state.
func (s *Session) TransportClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return
	}
	peer := s.peer
	s.teardownLocked()
	s.notifier.Notify(Notice{Kind: NoticeEnded, Peer: peer, Text: "disconnected"})
	log.Warn().Str("module", "call").Msg("transport closed mid-call")
}

// SetMicEnabled toggles the audio track without changing call state.
func (s *Session) SetMicEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.SetAudioEnabled(on)
	}
}

// SetCameraEnabled toggles the video track without changing call state.
func (s *Session) SetCameraEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.SetVideoEnabled(on)
	}
}

func (s *Session) remoteEnd(kind NoticeKind, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCalling, StateRinging, StateConnected:
		peer := s.peer
		s.teardownLocked()
		s.notifier.Notify(Notice{Kind: kind, Peer: peer, Text: text})
	default:
		// Already idle; nothing to end.
	}
}

// armTimerLocked bounds calling/ringing: the relay is best-effort, so
// without this a caller whose target vanished would wait forever.
func (s *Session) armTimerLocked() {
	if s.timeout <= 0 {
		return
	}
	s.epoch++
	epoch := s.epoch
	s.timer = time.AfterFunc(s.timeout, func() { s.expire(epoch) })
}

func (s *Session) expire(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return
	}
	switch s.state {
	case StateCalling, StateRinging:
		peer := s.peer
		s.teardownLocked()
		s.notifier.Notify(Notice{Kind: NoticeTimeout, Peer: peer, Text: "no answer"})
		log.Info().Str("module", "call").Str("peer", string(peer)).Msg("call timed out")
	}
}

func (s *Session) stopTimerLocked() {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// teardownLocked is the single exit path back to idle: close the
// half-open negotiation, stop local capture, clear session fields.
func (s *Session) teardownLocked() {
	s.stopTimerLocked()
	if s.neg != nil {
		s.neg.Close()
		s.neg = nil
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	s.state = StateIdle
	s.peer = ""
	s.peerName = ""
	s.pendingOffer = nil
}

func (s *Session) notifyMediaFailure(peer domain.UserID, err error) {
	var merr *MediaError
	text := "failed to access camera or microphone"
	if errors.As(err, &merr) {
		switch merr.Reason {
		case MediaBusy:
			text = "camera or microphone is busy; close other apps and try again"
		case MediaPermissionDenied:
			text = "camera or microphone permission denied"
		}
	}
	s.notifier.Notify(Notice{Kind: NoticeMediaUnavailable, Peer: peer, Text: text})
}
