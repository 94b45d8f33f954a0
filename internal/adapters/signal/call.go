package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/protocol"
	"github.com/devrtc/devrtc/internal/relay"
)

// handleInitiate stamps the sender fields from the announced identity
// rather than trusting the frame, then hands the event to the relay.
func (ctl *Controller) handleInitiate(cid domain.ConnectionID, c *WsConn, data []byte) {
	var m protocol.CallInitiate
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad initiate payload")
		ctl.sendError(c, "bad_payload")
		return
	}

	from, ok := ctl.Router.Identity(cid)
	if !ok {
		ctl.sendError(c, "announce_first")
		return
	}
	m.From = from.ID
	m.FromName = from.Name

	if err := m.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("cid", string(cid)).Msg("invalid initiate")
		ctl.sendError(c, "bad_payload")
		return
	}

	if err := ctl.Router.Initiate(cid, m); err != nil {
		if errors.Is(err, relay.ErrAttemptLimit) {
			ctl.sendError(c, "too_many_attempts")
			return
		}
		log.Error().Err(err).Str("module", "signal").Msg("initiate")
	}
}

func (ctl *Controller) handleAccept(cid domain.ConnectionID, c *WsConn, data []byte) {
	var m protocol.CallAccept
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad accept payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := m.Validate(); err != nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	ctl.Router.Accept(m)
}

func (ctl *Controller) handleReject(cid domain.ConnectionID, c *WsConn, data []byte) {
	var m protocol.CallReject
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad reject payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := m.Validate(); err != nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	ctl.Router.Reject(m)
}
