// Package protocol defines the JSON wire surface between clients and
// the signaling server. Signal payloads are opaque: they are produced
// and consumed by the peer-connection library on each end and relayed
// byte-for-byte, never inspected here.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/devrtc/devrtc/internal/domain"
)

const (
	TypeAnnounce        = "announce"
	TypePresence        = "presence"
	TypeCallInitiate    = "call-initiate"
	TypeCallIncoming    = "call-incoming"
	TypeCallAccept      = "call-accept"
	TypeCallAccepted    = "call-accepted"
	TypeCallReject      = "call-reject"
	TypeCallRejected    = "call-rejected"
	TypeCallUnreachable = "call-unreachable"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
)

var (
	ErrMissingTarget  = errors.New("missing target")
	ErrMissingSender  = errors.New("missing sender")
	ErrMissingPayload = errors.New("missing signal payload")
)

// Envelope is the minimal shape every inbound frame must have; the
// Type field selects the concrete message to decode into.
type Envelope struct {
	Type string `json:"type"`
}

// Announce binds the sending connection to a user identity.
type Announce struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"user_id"`
	Name   string        `json:"name"`
}

// Presence carries the distinct set of announced users. Order is
// meaningless; only membership matters.
type Presence struct {
	Type  string          `json:"type"`
	Users []domain.UserID `json:"users"`
}

type CallInitiate struct {
	Type     string          `json:"type"`
	Target   domain.UserID   `json:"target"`
	Payload  json.RawMessage `json:"payload"`
	From     domain.UserID   `json:"from"`
	FromName string          `json:"from_name"`
}

func (m CallInitiate) Validate() error {
	if m.Target == "" {
		return ErrMissingTarget
	}
	if len(m.Payload) == 0 {
		return ErrMissingPayload
	}
	if m.From == "" {
		return ErrMissingSender
	}
	return nil
}

type CallIncoming struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	From     domain.UserID   `json:"from"`
	FromName string          `json:"from_name"`
}

type CallAccept struct {
	Type    string          `json:"type"`
	Target  domain.UserID   `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

func (m CallAccept) Validate() error {
	if m.Target == "" {
		return ErrMissingTarget
	}
	if len(m.Payload) == 0 {
		return ErrMissingPayload
	}
	return nil
}

type CallAccepted struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type CallReject struct {
	Type   string        `json:"type"`
	Target domain.UserID `json:"target"`
}

func (m CallReject) Validate() error {
	if m.Target == "" {
		return ErrMissingTarget
	}
	return nil
}

type CallRejected struct {
	Type string `json:"type"`
}

// CallUnreachable tells the initiator that the target had no live
// connection when the relay tried to resolve it.
type CallUnreachable struct {
	Type   string        `json:"type"`
	Target domain.UserID `json:"target"`
}

type Error struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
