package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/devrtc/devrtc/internal/config"
	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/presence"
	"github.com/devrtc/devrtc/internal/protocol"
	"github.com/devrtc/devrtc/internal/relay"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{ReadLimit: 32768, SendBuffer: 32}
	registry := presence.NewRegistry()
	router := relay.NewRouter(registry, nil)
	ctl := NewController(router, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleWS(ctx, c) })

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips unrelated frames (usually presence churn) until one
// of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if env.Type == typ {
			return data
		}
	}
}

func announce(t *testing.T, conn *websocket.Conn, uid, name string) {
	t.Helper()
	send(t, conn, protocol.Announce{Type: protocol.TypeAnnounce, UserID: domain.UserID(uid), Name: name})
}

// waitPresence reads presence frames until the user set matches.
func waitPresence(t *testing.T, conn *websocket.Conn, want ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("presence never reached %v", want)
		}
		var snap protocol.Presence
		if err := json.Unmarshal(readUntil(t, conn, protocol.TypePresence), &snap); err != nil {
			t.Fatalf("decode presence: %v", err)
		}
		got := make(map[string]bool, len(snap.Users))
		for _, u := range snap.Users {
			got[string(u)] = true
		}
		if len(got) == len(want) {
			all := true
			for _, w := range want {
				if !got[w] {
					all = false
					break
				}
			}
			if all {
				return
			}
		}
	}
}

func TestAnnouncePresenceFlow(t *testing.T) {
	srv := newTestServer(t)
	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)

	announce(t, c1, "u1", "Alice")
	waitPresence(t, c1, "u1")

	announce(t, c2, "u2", "Bob")
	waitPresence(t, c1, "u1", "u2")
	waitPresence(t, c2, "u1", "u2")
}

func TestCallAcceptedScenario(t *testing.T) {
	srv := newTestServer(t)
	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)

	announce(t, c1, "u1", "Alice")
	announce(t, c2, "u2", "Bob")
	waitPresence(t, c1, "u1", "u2")

	offer := json.RawMessage(`{"sdp":"offer-from-u1"}`)
	send(t, c1, protocol.CallInitiate{Type: protocol.TypeCallInitiate, Target: "u2", Payload: offer})

	var in protocol.CallIncoming
	if err := json.Unmarshal(readUntil(t, c2, protocol.TypeCallIncoming), &in); err != nil {
		t.Fatalf("decode incoming: %v", err)
	}
	if in.From != "u1" || in.FromName != "Alice" {
		t.Fatalf("incoming = %+v, want server-stamped identity u1/Alice", in)
	}
	if string(in.Payload) != string(offer) {
		t.Fatalf("offer relayed as %s, want byte-for-byte", in.Payload)
	}

	answer := json.RawMessage(`{"sdp":"answer-from-u2"}`)
	send(t, c2, protocol.CallAccept{Type: protocol.TypeCallAccept, Target: "u1", Payload: answer})

	var acc protocol.CallAccepted
	if err := json.Unmarshal(readUntil(t, c1, protocol.TypeCallAccepted), &acc); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if string(acc.Payload) != string(answer) {
		t.Fatalf("answer relayed as %s, want byte-for-byte", acc.Payload)
	}
}

func TestCallRejectedScenario(t *testing.T) {
	srv := newTestServer(t)
	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)

	announce(t, c1, "u1", "Alice")
	announce(t, c2, "u2", "Bob")
	waitPresence(t, c1, "u1", "u2")

	send(t, c1, protocol.CallInitiate{Type: protocol.TypeCallInitiate, Target: "u2", Payload: json.RawMessage(`{"sdp":"x"}`)})
	readUntil(t, c2, protocol.TypeCallIncoming)

	send(t, c2, protocol.CallReject{Type: protocol.TypeCallReject, Target: "u1"})
	readUntil(t, c1, protocol.TypeCallRejected)
}

func TestCallUnreachableScenario(t *testing.T) {
	srv := newTestServer(t)
	c1 := dialWS(t, srv)

	announce(t, c1, "u1", "Alice")
	waitPresence(t, c1, "u1")

	send(t, c1, protocol.CallInitiate{Type: protocol.TypeCallInitiate, Target: "u2", Payload: json.RawMessage(`{"sdp":"x"}`)})

	var un protocol.CallUnreachable
	if err := json.Unmarshal(readUntil(t, c1, protocol.TypeCallUnreachable), &un); err != nil {
		t.Fatalf("decode unreachable: %v", err)
	}
	if un.Target != "u2" {
		t.Fatalf("unreachable target = %s, want u2", un.Target)
	}
}

func TestDisconnectBroadcastsPresence(t *testing.T) {
	srv := newTestServer(t)
	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)

	announce(t, c1, "u1", "Alice")
	announce(t, c2, "u2", "Bob")
	waitPresence(t, c1, "u1", "u2")

	_ = c2.Close()
	waitPresence(t, c1, "u1")
}

func TestInitiateBeforeAnnounceIsRefused(t *testing.T) {
	srv := newTestServer(t)
	c1 := dialWS(t, srv)

	send(t, c1, protocol.CallInitiate{Type: protocol.TypeCallInitiate, Target: "u2", Payload: json.RawMessage(`{"sdp":"x"}`)})

	var e protocol.Error
	if err := json.Unmarshal(readUntil(t, c1, protocol.TypeError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Reason != "announce_first" {
		t.Fatalf("reason = %q, want announce_first", e.Reason)
	}
}

func TestMalformedEnvelopeIsRejected(t *testing.T) {
	srv := newTestServer(t)
	c1 := dialWS(t, srv)

	announce(t, c1, "u1", "Alice")
	waitPresence(t, c1, "u1")

	// Missing target: must be refused at the boundary, not relayed.
	send(t, c1, protocol.CallInitiate{Type: protocol.TypeCallInitiate, Payload: json.RawMessage(`{"sdp":"x"}`)})

	var e protocol.Error
	if err := json.Unmarshal(readUntil(t, c1, protocol.TypeError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Reason != "bad_payload" {
		t.Fatalf("reason = %q, want bad_payload", e.Reason)
	}
}
