package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devrtc/devrtc/internal/core"
	"github.com/devrtc/devrtc/internal/domain"
	"github.com/devrtc/devrtc/internal/presence"
	"github.com/devrtc/devrtc/internal/protocol"
)

// fakeConn records frames in delivery order.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	fail   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send buffer full")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("undecodable frame %q: %v", f, err)
		}
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames delivered")
	}
	if err := json.Unmarshal(c.frames[len(c.frames)-1], v); err != nil {
		t.Fatalf("decode last frame: %v", err)
	}
}

func newTestRouter() (*Router, *presence.Registry) {
	reg := presence.NewRegistry()
	return NewRouter(reg, nil), reg
}

func attach(r *Router, cid string, uid string, name string) *fakeConn {
	conn := &fakeConn{}
	r.Attach(domain.ConnectionID(cid), conn)
	if uid != "" {
		r.Announce(domain.ConnectionID(cid), &domain.User{ID: domain.UserID(uid), Name: name})
	}
	return conn
}

func TestAnnounceBroadcastsPresenceToAll(t *testing.T) {
	r, _ := newTestRouter()
	c1 := attach(r, "c1", "u1", "Alice")
	c2 := attach(r, "c2", "u2", "Bob")

	// c1 saw its own announce and c2's; c2 saw only the second.
	if got := c1.types(t); len(got) != 2 || got[0] != protocol.TypePresence || got[1] != protocol.TypePresence {
		t.Fatalf("c1 frames = %v, want two presence broadcasts", got)
	}
	if got := c2.types(t); len(got) != 1 || got[0] != protocol.TypePresence {
		t.Fatalf("c2 frames = %v, want one presence broadcast", got)
	}

	var snap protocol.Presence
	c2.last(t, &snap)
	if len(snap.Users) != 2 {
		t.Fatalf("final presence = %v, want 2 users", snap.Users)
	}
}

func TestDetachOfAnnouncedConnectionBroadcasts(t *testing.T) {
	r, _ := newTestRouter()
	c1 := attach(r, "c1", "u1", "Alice")
	attach(r, "c2", "u2", "Bob")

	r.Detach("c2")

	var snap protocol.Presence
	c1.last(t, &snap)
	if len(snap.Users) != 1 || snap.Users[0] != "u1" {
		t.Fatalf("presence after detach = %v, want [u1]", snap.Users)
	}
}

func TestDetachOfUnannouncedConnectionIsSilent(t *testing.T) {
	r, _ := newTestRouter()
	c1 := attach(r, "c1", "u1", "Alice")
	conn := &fakeConn{}
	r.Attach("anon", conn)

	before := len(c1.types(t))
	r.Detach("anon")
	if after := len(c1.types(t)); after != before {
		t.Fatalf("detach of never-announced connection broadcast presence (%d -> %d frames)", before, after)
	}
}

func TestBrokenReceiverDoesNotAffectOthers(t *testing.T) {
	r, _ := newTestRouter()
	c1 := attach(r, "c1", "u1", "Alice")
	c1.fail = true
	c2 := attach(r, "c2", "u2", "Bob")

	// The broadcast triggered by c2's announce must still reach c2
	// even though c1's send fails.
	if got := c2.types(t); len(got) != 1 {
		t.Fatalf("c2 frames = %v, want the presence broadcast", got)
	}
}

func TestInitiateDeliversToExactlyOneConnection(t *testing.T) {
	r, _ := newTestRouter()
	caller := attach(r, "c1", "u1", "Alice")
	old := attach(r, "c2", "u2", "Bob laptop")
	recent := attach(r, "c3", "u2", "Bob phone")

	payload := json.RawMessage(`{"sdp":"offer"}`)
	err := r.Initiate("c1", protocol.CallInitiate{
		Type: protocol.TypeCallInitiate, Target: "u2", Payload: payload, From: "u1", FromName: "Alice",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	var in protocol.CallIncoming
	recent.last(t, &in)
	if in.Type != protocol.TypeCallIncoming || in.From != "u1" || in.FromName != "Alice" {
		t.Fatalf("incoming = %+v", in)
	}
	if string(in.Payload) != string(payload) {
		t.Fatalf("payload relayed as %s, want %s byte-for-byte", in.Payload, payload)
	}

	for _, ty := range old.types(t) {
		if ty == protocol.TypeCallIncoming {
			t.Fatal("older connection of the target also received the call")
		}
	}
	for _, ty := range caller.types(t) {
		if ty == protocol.TypeCallIncoming || ty == protocol.TypeCallUnreachable {
			t.Fatalf("caller received unexpected %s", ty)
		}
	}
}

func TestInitiateUnreachableRepliesToSender(t *testing.T) {
	r, _ := newTestRouter()
	caller := attach(r, "c1", "u1", "Alice")

	err := r.Initiate("c1", protocol.CallInitiate{
		Type: protocol.TypeCallInitiate, Target: "nobody", Payload: json.RawMessage(`{}`), From: "u1", FromName: "Alice",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	var un protocol.CallUnreachable
	caller.last(t, &un)
	if un.Type != protocol.TypeCallUnreachable || un.Target != "nobody" {
		t.Fatalf("reply = %+v, want call-unreachable for nobody", un)
	}
}

func TestAcceptRelaysAnswerToCaller(t *testing.T) {
	r, _ := newTestRouter()
	caller := attach(r, "c1", "u1", "Alice")
	attach(r, "c2", "u2", "Bob")

	answer := json.RawMessage(`{"sdp":"answer"}`)
	r.Accept(protocol.CallAccept{Type: protocol.TypeCallAccept, Target: "u1", Payload: answer})

	var acc protocol.CallAccepted
	caller.last(t, &acc)
	if acc.Type != protocol.TypeCallAccepted || string(acc.Payload) != string(answer) {
		t.Fatalf("accepted = %+v", acc)
	}
}

func TestAcceptRejectToDepartedCallerAreSilent(t *testing.T) {
	r, _ := newTestRouter()
	bystander := attach(r, "c2", "u2", "Bob")
	before := len(bystander.types(t))

	// "u1" never announced; both events must be silent no-ops.
	r.Accept(protocol.CallAccept{Type: protocol.TypeCallAccept, Target: "u1", Payload: json.RawMessage(`{}`)})
	r.Reject(protocol.CallReject{Type: protocol.TypeCallReject, Target: "u1"})

	if after := len(bystander.types(t)); after != before {
		t.Fatalf("no-op relay produced frames (%d -> %d)", before, after)
	}
}

func TestRejectRelaysToCaller(t *testing.T) {
	r, _ := newTestRouter()
	caller := attach(r, "c1", "u1", "Alice")

	r.Reject(protocol.CallReject{Type: protocol.TypeCallReject, Target: "u1"})

	var rej protocol.CallRejected
	caller.last(t, &rej)
	if rej.Type != protocol.TypeCallRejected {
		t.Fatalf("reply = %+v, want call-rejected", rej)
	}
}

func TestPerConnectionDeliveryOrder(t *testing.T) {
	r, _ := newTestRouter()
	attach(r, "c1", "u1", "Alice")
	target := attach(r, "c2", "u2", "Bob")

	for i := 0; i < 3; i++ {
		if err := r.Initiate("c1", protocol.CallInitiate{
			Type: protocol.TypeCallInitiate, Target: "u2", Payload: json.RawMessage(`{}`), From: "u1", FromName: "Alice",
		}); err != nil {
			t.Fatalf("Initiate: %v", err)
		}
	}
	r.Reject(protocol.CallReject{Type: protocol.TypeCallReject, Target: "u2"})

	types := target.types(t)
	// Skip the presence broadcast from attach, then expect send order.
	want := []string{protocol.TypePresence, protocol.TypeCallIncoming, protocol.TypeCallIncoming, protocol.TypeCallIncoming, protocol.TypeCallRejected}
	if len(types) != len(want) {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s (full order %v)", i, types[i], want[i], types)
		}
	}
}

func TestInitiateAttemptLimit(t *testing.T) {
	reg := presence.NewRegistry()
	r := NewRouter(reg, NewAttemptLimiter(1, time.Minute))
	attach(r, "c1", "u1", "Alice")
	attach(r, "c2", "u2", "Bob")

	m := protocol.CallInitiate{Type: protocol.TypeCallInitiate, Target: "u2", Payload: json.RawMessage(`{}`), From: "u1", FromName: "Alice"}
	if err := r.Initiate("c1", m); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	if err := r.Initiate("c1", m); !errors.Is(err, ErrAttemptLimit) {
		t.Fatalf("second initiate err = %v, want ErrAttemptLimit", err)
	}
}
