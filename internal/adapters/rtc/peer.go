// Package rtc implements the call.Negotiator port on pion/webrtc.
// Negotiation is non-trickle: each side gathers ICE completely and
// ships one self-contained description, so the relay only ever carries
// a single opaque payload per direction.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/call"
)

// TrackSource is the extra surface a media stream must expose for the
// pion adapter to attach its local tracks. The call package stays
// ignorant of pion types; only adapters know about tracks.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:global.stun.twilio.com:3478"}},
		},
	}
}

// Peer is one peer-connection negotiation.
type Peer struct {
	pc        *webrtc.PeerConnection
	onFailure func(error)
}

// NewPeer builds a peer connection; onFailure fires when the
// connection fails or closes underneath an established call.
func NewPeer(cfg webrtc.Configuration, onFailure func(error)) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc, onFailure: onFailure}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed && p.onFailure != nil {
			p.onFailure(fmt.Errorf("peer connection %s", s))
		}
	})

	return p, nil
}

// Factory adapts NewPeer to the call.NegotiatorFactory port.
func Factory(cfg webrtc.Configuration, onFailure func(error)) call.NegotiatorFactory {
	return func() (call.Negotiator, error) {
		return NewPeer(cfg, onFailure)
	}
}

func (p *Peer) CreateOffer(ctx context.Context, media call.MediaStream) (json.RawMessage, error) {
	if err := p.attachTracks(media); err != nil {
		return nil, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(p.pc.LocalDescription())
}

func (p *Peer) CreateAnswer(ctx context.Context, media call.MediaStream, offer json.RawMessage) (json.RawMessage, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}

	if err := p.attachTracks(media); err != nil {
		return nil, err
	}

	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(p.pc.LocalDescription())
}

func (p *Peer) AcceptAnswer(answer json.RawMessage) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return p.pc.SetRemoteDescription(remote)
}

func (p *Peer) Close() {
	if p.pc == nil {
		return
	}
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	}
}

func (p *Peer) attachTracks(media call.MediaStream) error {
	src, ok := media.(TrackSource)
	if !ok {
		return nil
	}
	for _, track := range src.Tracks() {
		if _, err := p.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}
