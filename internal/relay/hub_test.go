package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vcall/vcall/internal/identity"
	"github.com/vcall/vcall/internal/signal"
)

// recorder is an in-memory wire capturing everything the hub delivers.
type recorder struct {
	mu  sync.Mutex
	got []signal.Envelope
}

func (r *recorder) WriteJSON(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v.(signal.Envelope))
	return nil
}

func (r *recorder) received() []signal.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signal.Envelope, len(r.got))
	copy(out, r.got)
	return out
}

// last returns the latest envelope for event, or ok=false.
func (r *recorder) last(event string) (signal.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.got) - 1; i >= 0; i-- {
		if r.got[i].Event == event {
			return r.got[i], true
		}
	}
	return signal.Envelope{}, false
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.got {
		if env.Event == event {
			n++
		}
	}
	return n
}

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func send(t *testing.T, h *Hub, conn wire, event string, payload any) {
	t.Helper()
	env := signal.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		env.Data = data
	}
	h.HandleEnvelope(conn, env)
}

func announce(t *testing.T, h *Hub, conn wire, id, name string) {
	t.Helper()
	send(t, h, conn, signal.EventAnnounceOnline, identity.Identity{ID: id, Username: name})
}

func decodeInto[T any](t *testing.T, env signal.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode %s: %v", env.Event, err)
	}
	return out
}

func TestAnnounceBroadcastsRoster(t *testing.T) {
	h := newTestHub()
	a, b := &recorder{}, &recorder{}

	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")

	env, ok := a.last(signal.EventOnlineUsers)
	if !ok {
		t.Fatal("no roster broadcast to a after b announced")
	}
	roster := decodeInto[signal.OnlineUsers](t, env)
	if len(roster.Users) != 2 {
		t.Fatalf("roster = %v, want both users", roster.Users)
	}
}

func TestGetOnlineUsersAnswersRequester(t *testing.T) {
	h := newTestHub()
	a := &recorder{}
	announce(t, h, a, "a", "alice")

	before := a.count(signal.EventOnlineUsers)
	send(t, h, a, signal.EventGetOnlineUsers, nil)
	if a.count(signal.EventOnlineUsers) != before+1 {
		t.Error("explicit roster request not answered")
	}
}

func TestReannounceTakesOverUserID(t *testing.T) {
	h := newTestHub()
	old, fresh := &recorder{}, &recorder{}

	announce(t, h, old, "a", "alice")
	announce(t, h, fresh, "a", "alice")

	// The stale socket closing must not unbind the fresh one.
	h.Disconnect(old)

	env, ok := fresh.last(signal.EventOnlineUsers)
	if !ok {
		t.Fatal("no roster on the fresh socket")
	}
	roster := decodeInto[signal.OnlineUsers](t, env)
	if len(roster.Users) != 1 || roster.Users[0].ID != "a" {
		t.Errorf("roster after stale disconnect = %v, want a still online", roster.Users)
	}

	send(t, h, fresh, signal.EventGetOnlineUsers, nil)
	if _, ok := fresh.last(signal.EventOnlineUsers); !ok {
		t.Error("fresh socket no longer routable after stale disconnect")
	}
}

func TestCallUserRoutesIncomingCall(t *testing.T) {
	h := newTestHub()
	a, b := &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	send(t, h, a, signal.EventCallUser, signal.CallUser{
		ToUserID: "b", FromUserID: "a", FromUsername: "alice", Offer: offer,
	})

	env, ok := b.last(signal.EventIncomingCall)
	if !ok {
		t.Fatal("callee got no incoming-call")
	}
	in := decodeInto[signal.IncomingCall](t, env)
	if in.FromUserID != "a" || in.FromUsername != "alice" || in.Offer.SDP != offer.SDP {
		t.Errorf("incoming-call = %+v, want alice's proposal with the offer", in)
	}
	if n := a.count(signal.EventIncomingCall); n != 0 {
		t.Error("incoming-call leaked back to the caller")
	}
}

func TestAcceptRoutesAnswerAndRecordsCall(t *testing.T) {
	h := newTestHub()
	a, b := &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	send(t, h, b, signal.EventAcceptCall, signal.AcceptCall{
		ToUserID: "a", FromUserID: "b", Answer: answer,
	})

	env, ok := a.last(signal.EventCallAccepted)
	if !ok {
		t.Fatal("caller got no call-accepted")
	}
	in := decodeInto[signal.CallAccepted](t, env)
	if in.Answer.SDP != answer.SDP {
		t.Errorf("call-accepted answer = %q, want the callee's answer", in.Answer.SDP)
	}

	h.mu.Lock()
	pair := h.calls["a"] == "b" && h.calls["b"] == "a"
	h.mu.Unlock()
	if !pair {
		t.Error("accepted call not recorded in both directions")
	}
}

func TestDeclineRoutesWithoutPayload(t *testing.T) {
	h := newTestHub()
	a, b := &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")

	send(t, h, b, signal.EventDeclineCall, signal.DeclineCall{ToUserID: "a", FromUserID: "b"})

	if _, ok := a.last(signal.EventCallDeclined); !ok {
		t.Fatal("caller got no call-declined")
	}
	h.mu.Lock()
	_, recorded := h.calls["a"]
	h.mu.Unlock()
	if recorded {
		t.Error("decline must not record a call pair")
	}
}

func TestCandidateRoutedAsInbound(t *testing.T) {
	h := newTestHub()
	a, b := &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")

	send(t, h, a, signal.EventICECandidate, signal.CandidateOut{
		ToUserID:  "b",
		Candidate: webrtc.ICECandidateInit{Candidate: "c1"},
	})

	env, ok := b.last(signal.EventICECandidate)
	if !ok {
		t.Fatal("candidate not routed")
	}
	in := decodeInto[signal.CandidateIn](t, env)
	if in.Candidate.Candidate != "c1" {
		t.Errorf("routed candidate = %q, want c1", in.Candidate.Candidate)
	}
}

func TestEndCallRoutesAndClearsPair(t *testing.T) {
	h := newTestHub()
	a, b := &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")

	send(t, h, b, signal.EventAcceptCall, signal.AcceptCall{ToUserID: "a", FromUserID: "b"})
	send(t, h, a, signal.EventEndCall, signal.EndCall{ToUserID: "b", FromUserID: "a"})

	if _, ok := b.last(signal.EventCallEnded); !ok {
		t.Fatal("callee got no call-ended")
	}
	h.mu.Lock()
	_, stillPaired := h.calls["a"]
	h.mu.Unlock()
	if stillPaired {
		t.Error("call pair not cleared on end")
	}
}

func TestInviteResolvesExistingCallee(t *testing.T) {
	h := newTestHub()
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")
	announce(t, h, c, "c", "carol")

	// a and b are in a call; a invites c.
	send(t, h, b, signal.EventAcceptCall, signal.AcceptCall{ToUserID: "a", FromUserID: "b"})
	send(t, h, a, signal.EventInviteToCall, signal.InviteToCall{
		ToUserID: "c", RoomID: "a", FromUserID: "a", FromUsername: "alice",
	})

	env, ok := c.last(signal.EventCallInvitation)
	if !ok {
		t.Fatal("invitee got no call-invitation")
	}
	in := decodeInto[signal.CallInvitation](t, env)
	if in.FromUserID != "a" || in.FromUsername != "alice" {
		t.Errorf("invitation inviter = %s/%s, want a/alice", in.FromUserID, in.FromUsername)
	}
	if in.ExistingCallUserID != "b" || in.ExistingCallUsername != "bob" {
		t.Errorf("invitation resolves to %s/%s, want the existing callee b/bob", in.ExistingCallUserID, in.ExistingCallUsername)
	}
}

func TestInviteFromIdleUserDropped(t *testing.T) {
	h := newTestHub()
	a, c := &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, c, "c", "carol")

	send(t, h, a, signal.EventInviteToCall, signal.InviteToCall{
		ToUserID: "c", FromUserID: "a", FromUsername: "alice",
	})

	if _, ok := c.last(signal.EventCallInvitation); ok {
		t.Error("invite from a user not in a call must be dropped")
	}
}

func TestOfflineTargetDropped(t *testing.T) {
	h := newTestHub()
	a := &recorder{}
	announce(t, h, a, "a", "alice")

	send(t, h, a, signal.EventCallUser, signal.CallUser{
		ToUserID: "ghost", FromUserID: "a", FromUsername: "alice",
	})

	if len(a.received()) == 0 {
		t.Fatal("announce produced no roster")
	}
	if _, ok := a.last(signal.EventIncomingCall); ok {
		t.Error("offline routing must not bounce anything back")
	}
}

func TestDisconnectEndsCallAndUpdatesRoster(t *testing.T) {
	h := newTestHub()
	a, b := &recorder{}, &recorder{}
	announce(t, h, a, "a", "alice")
	announce(t, h, b, "b", "bob")

	send(t, h, b, signal.EventAcceptCall, signal.AcceptCall{ToUserID: "a", FromUserID: "b"})
	h.Disconnect(b)

	if _, ok := a.last(signal.EventCallEnded); !ok {
		t.Fatal("surviving peer got no call-ended after disconnect")
	}

	env, ok := a.last(signal.EventOnlineUsers)
	if !ok {
		t.Fatal("no roster update after disconnect")
	}
	roster := decodeInto[signal.OnlineUsers](t, env)
	if len(roster.Users) != 1 || roster.Users[0].ID != "a" {
		t.Errorf("roster = %v, want only a", roster.Users)
	}
}

func TestMalformedPayloadsDropped(t *testing.T) {
	h := newTestHub()
	a := &recorder{}
	announce(t, h, a, "a", "alice")

	for _, event := range []string{
		signal.EventCallUser,
		signal.EventAcceptCall,
		signal.EventDeclineCall,
		signal.EventICECandidate,
		signal.EventEndCall,
		signal.EventInviteToCall,
		signal.EventAnnounceOnline,
		"no-such-event",
	} {
		h.HandleEnvelope(a, signal.Envelope{Event: event, Data: json.RawMessage(`{bad`)})
	}
	// Still routable afterwards.
	send(t, h, a, signal.EventGetOnlineUsers, nil)
	if _, ok := a.last(signal.EventOnlineUsers); !ok {
		t.Error("hub unusable after malformed input")
	}
}
