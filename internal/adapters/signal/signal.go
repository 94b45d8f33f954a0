// Package signal is the websocket transport for the presence and call
// relay. One connection gets one read pump and one write pump; the
// write pump drains a buffered channel, which makes per-connection
// delivery order the send order on the relay side.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/config"
	"github.com/devrtc/devrtc/internal/core"
	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Router *relay.Router
	Cfg    *config.Config
}

func NewController(router *relay.Router, cfg *config.Config) *Controller {
	return &Controller{Router: router, Cfg: cfg}
}

// WsConn implements core.SignalConnection over a gorilla websocket.
type WsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the connection's pumps. The
// connection identifier lives exactly as long as the socket; identity
// arrives later via an announce frame.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	cid := domain.ConnectionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("cid", string(cid)).Msg("new WS connection")

	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Cfg.SendBuffer),
	}

	ctl.Router.Attach(cid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, cid, conn)
}
