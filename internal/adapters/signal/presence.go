package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/protocol"
)

func (ctl *Controller) handleAnnounce(cid domain.ConnectionID, c *WsConn, data []byte) {
	var m protocol.Announce
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad announce payload")
		ctl.sendError(c, "bad_payload")
		return
	}

	user, err := domain.NewUser(m.UserID, m.Name)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("cid", string(cid)).Msg("invalid announce")
		ctl.sendError(c, "invalid_identity")
		return
	}

	log.Info().Str("module", "signal").Str("cid", string(cid)).Str("user", string(user.ID)).Msg("announce")
	ctl.Router.Announce(cid, user)
}

func (ctl *Controller) handlePing(c *WsConn) {
	ctl.sendJSON(c, protocol.Envelope{Type: protocol.TypePong})
}
