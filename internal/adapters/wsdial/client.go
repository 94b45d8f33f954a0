// Package wsdial is the client side of the signaling channel: it
// dials the server, announces the local identity, and pumps relayed
// events into a call session. It implements call.Signaler so the
// session's outbound edge is the same connection.
package wsdial

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/call"
	"github.com/devrtc/devrtc/internal/core"
	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/protocol"
)

type Client struct {
	conn *websocket.Conn
	user *domain.User
	send chan core.Frame

	mu     sync.RWMutex
	closed bool

	session    *call.Session
	onPresence func([]domain.UserID)
}

// Dial connects, announces, and returns a client ready to bind a
// session. The caller owns Close.
func Dial(ctx context.Context, url string, user *domain.User) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn: conn,
		user: user,
		send: make(chan core.Frame, 32),
	}

	if err := c.post(protocol.Announce{Type: protocol.TypeAnnounce, UserID: user.ID, Name: user.Name}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Bind attaches the session and presence callback, then starts the
// pumps. Events dispatch serially in arrival order.
func (c *Client) Bind(ctx context.Context, session *call.Session, onPresence func([]domain.UserID)) {
	c.session = session
	c.onPresence = onPresence
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *Client) Initiate(target domain.UserID, payload json.RawMessage) error {
	return c.post(protocol.CallInitiate{
		Type:     protocol.TypeCallInitiate,
		Target:   target,
		Payload:  payload,
		From:     c.user.ID,
		FromName: c.user.Name,
	})
}

func (c *Client) Accept(target domain.UserID, payload json.RawMessage) error {
	return c.post(protocol.CallAccept{Type: protocol.TypeCallAccept, Target: target, Payload: payload})
}

func (c *Client) Reject(target domain.UserID) error {
	return c.post(protocol.CallReject{Type: protocol.TypeCallReject, Target: target})
}

func (c *Client) Close() {
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

func (c *Client) post(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- core.Frame(b):
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "wsdial").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "wsdial").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump dispatches server events; a read failure is the transport
// closing, which forces the session back to idle with full teardown.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.session != nil {
			c.session.TransportClosed()
		}
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "wsdial").Msg("readPump read error")
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "wsdial").Msg("bad json")
		return
	}

	switch env.Type {
	case protocol.TypePresence:
		var m protocol.Presence
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		c.session.HandlePresence(m.Users)
		if c.onPresence != nil {
			c.onPresence(m.Users)
		}
	case protocol.TypeCallIncoming:
		var m protocol.CallIncoming
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		c.session.HandleIncoming(m.From, m.FromName, m.Payload)
	case protocol.TypeCallAccepted:
		var m protocol.CallAccepted
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		c.session.HandleAccepted(m.Payload)
	case protocol.TypeCallRejected:
		c.session.HandleRejected()
	case protocol.TypeCallUnreachable:
		c.session.HandleUnreachable()
	case protocol.TypePong:
		// keepalive reply, nothing to do
	case protocol.TypeError:
		var m protocol.Error
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		log.Warn().Str("module", "wsdial").Str("reason", m.Reason).Msg("server error")
	default:
		log.Warn().Str("module", "wsdial").Str("type", env.Type).Msg("unknown event")
	}
}
