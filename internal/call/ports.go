// Package call drives a single call attempt from initiation to
// termination. The session is the same logic on both ends of a call;
// only the transitions taken differ between caller and callee.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devrtc/devrtc/internal/domain"
)

var (
	// ErrBusy rejects initiateCall outside idle; attempts are never
	// queued.
	ErrBusy = errors.New("call already in progress")
	// ErrNotRinging rejects accept/decline without an incoming call.
	ErrNotRinging = errors.New("no incoming call")
)

// MediaReason categorizes local media acquisition failures.
type MediaReason string

const (
	MediaBusy             MediaReason = "busy"
	MediaPermissionDenied MediaReason = "permission-denied"
	MediaOther            MediaReason = "other"
)

// MediaError is local and terminal for the attempt: the session falls
// back to idle and does not retry.
type MediaError struct {
	Reason MediaReason
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media unavailable (%s): %v", e.Reason, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// MediaStream is live local capture. Track toggles are side effects
// that never change call state.
type MediaStream interface {
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	Stop()
}

// MediaDevice acquires camera+microphone. Acquire blocks until the
// device is live or fails with a *MediaError.
type MediaDevice interface {
	Acquire(ctx context.Context) (MediaStream, error)
}

// Negotiator is one peer-connection negotiation. The session never
// looks inside the payloads it produces; they travel opaque through
// the relay.
type Negotiator interface {
	// CreateOffer starts the outbound side and returns the offer
	// payload to send with call-initiate.
	CreateOffer(ctx context.Context, media MediaStream) (json.RawMessage, error)
	// CreateAnswer seeds the inbound side with the remote offer and
	// returns the answer payload to send with call-accept.
	CreateAnswer(ctx context.Context, media MediaStream, offer json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer completes the outbound side with the remote answer.
	AcceptAnswer(answer json.RawMessage) error
	Close()
}

// NegotiatorFactory builds a fresh Negotiator per call attempt.
type NegotiatorFactory func() (Negotiator, error)

// Signaler is the session's outbound edge toward the relay.
type Signaler interface {
	Initiate(target domain.UserID, payload json.RawMessage) error
	Accept(target domain.UserID, payload json.RawMessage) error
	Reject(target domain.UserID) error
}

// NoticeKind classifies user-visible call outcomes. Session errors are
// never swallowed silently; each terminal outcome maps to a notice.
type NoticeKind string

const (
	NoticeIncoming          NoticeKind = "incoming"
	NoticeConnected         NoticeKind = "connected"
	NoticeDeclined          NoticeKind = "declined"
	NoticeUnreachable       NoticeKind = "unreachable"
	NoticeTimeout           NoticeKind = "timeout"
	NoticeMediaUnavailable  NoticeKind = "media-unavailable"
	NoticeNegotiationFailed NoticeKind = "negotiation-failed"
	NoticeEnded             NoticeKind = "ended"
)

type Notice struct {
	Kind NoticeKind
	Peer domain.UserID
	Text string
}

// Notifier surfaces notices to whatever UI hosts the session.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }
