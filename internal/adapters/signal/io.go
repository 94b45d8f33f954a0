package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/protocol"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump owns the connection lifecycle: when it exits for any reason
// the connection is detached, which doubles as the implicit presence
// remove on close.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, cid domain.ConnectionID, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("cid", string(cid)).Msg("readPump closing")
		cancel()
		ctl.Router.Detach(cid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("cid", string(cid)).Msg("readPump read error")
				}
				return
			}
			ctl.dispatch(cid, c, data)
		}
	}
}

func (ctl *Controller) dispatch(cid domain.ConnectionID, c *WsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_json")
		return
	}

	switch env.Type {
	case protocol.TypeAnnounce:
		ctl.handleAnnounce(cid, c, data)
	case protocol.TypeCallInitiate:
		ctl.handleInitiate(cid, c, data)
	case protocol.TypeCallAccept:
		ctl.handleAccept(cid, c, data)
	case protocol.TypeCallReject:
		ctl.handleReject(cid, c, data)
	case protocol.TypePing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c *WsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *WsConn, reason string) {
	ctl.sendJSON(c, protocol.Error{Type: protocol.TypeError, Reason: reason})
}
