package call

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/vcall/vcall/internal/identity"
	"github.com/vcall/vcall/internal/signal"
)

// fakeSender records every emitted signal.
type fakeSender struct {
	mu    sync.Mutex
	sends []sentEvent
}

type sentEvent struct {
	event   string
	payload any
}

func (f *fakeSender) Send(event string, payload any) {
	f.mu.Lock()
	f.sends = append(f.sends, sentEvent{event, payload})
	f.mu.Unlock()
}

func (f *fakeSender) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.sends))
	copy(out, f.sends)
	return out
}

func deliver(t *testing.T, bus *signal.Bus, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	bus.Dispatch(signal.Envelope{Event: event, Data: data})
}

func newTestListener(t *testing.T, opts ...ListenerOption) (*Listener, *signal.Bus, *fakeSender) {
	t.Helper()
	bus := signal.NewBus()
	sender := &fakeSender{}
	l := NewListener(bus, sender, identity.Identity{ID: "me", Username: "self"}, opts...)
	t.Cleanup(l.Close)
	return l, bus, sender
}

// TestCallEndedClearsEverything: after a call-ended signal both proposal
// kinds are empty regardless of prior state or ordering.
func TestCallEndedClearsEverything(t *testing.T) {
	l, bus, _ := newTestListener(t)

	deliver(t, bus, signal.EventIncomingCall, signal.IncomingCall{FromUserID: "a", FromUsername: "alice"})
	deliver(t, bus, signal.EventCallInvitation, signal.CallInvitation{
		FromUserID: "c", FromUsername: "carol",
		ExistingCallUserID: "e", ExistingCallUsername: "erin",
	})

	if l.Invite() == nil || l.Invitation() == nil {
		t.Fatal("both proposals should be pending before call-ended")
	}

	deliver(t, bus, signal.EventCallEnded, struct{}{})

	if l.Invite() != nil {
		t.Error("CallInvite survived call-ended")
	}
	if l.Invitation() != nil {
		t.Error("JoinInvitation survived call-ended")
	}
}

// TestLastProposalWins: a second incoming call replaces the first, no
// queueing.
func TestLastProposalWins(t *testing.T) {
	l, bus, _ := newTestListener(t)

	deliver(t, bus, signal.EventIncomingCall, signal.IncomingCall{FromUserID: "a", FromUsername: "alice"})
	deliver(t, bus, signal.EventIncomingCall, signal.IncomingCall{FromUserID: "b", FromUsername: "bob"})

	inv := l.Invite()
	if inv == nil || inv.FromUserID != "b" {
		t.Fatalf("pending invite = %+v, want the later proposal from b", inv)
	}
}

// TestAcceptCallNavigation verifies the accept path yields an incoming
// navigation intent addressed to the caller, carrying the offer.
func TestAcceptCallNavigation(t *testing.T) {
	l, bus, _ := newTestListener(t)

	deliver(t, bus, signal.EventIncomingCall, signal.IncomingCall{FromUserID: "a", FromUsername: "alice"})
	l.AcceptCall()

	select {
	case nav := <-l.Nav():
		if nav.PeerID != "a" || nav.PeerName != "alice" || !nav.Incoming {
			t.Errorf("navigation = %+v, want incoming intent to alice", nav)
		}
	default:
		t.Fatal("accept produced no navigation intent")
	}
	if l.Invite() != nil {
		t.Error("invite not cleared after accept")
	}
}

// TestAcceptWithoutInvite is a diagnosed no-op.
func TestAcceptWithoutInvite(t *testing.T) {
	l, _, sender := newTestListener(t)

	l.AcceptCall()

	select {
	case nav := <-l.Nav():
		t.Fatalf("unexpected navigation intent: %+v", nav)
	default:
	}
	if len(sender.sent()) != 0 {
		t.Error("accept with no invite must not signal anyone")
	}
}

// TestDeclineCall verifies decline signals the caller, clears the proposal,
// and stays entirely on the signaling plane.
func TestDeclineCall(t *testing.T) {
	l, bus, sender := newTestListener(t)

	deliver(t, bus, signal.EventIncomingCall, signal.IncomingCall{FromUserID: "a", FromUsername: "alice"})
	l.DeclineCall()

	sends := sender.sent()
	if len(sends) != 1 || sends[0].event != signal.EventDeclineCall {
		t.Fatalf("sends = %+v, want one decline-call", sends)
	}
	decline := sends[0].payload.(signal.DeclineCall)
	if decline.ToUserID != "a" || decline.FromUserID != "me" {
		t.Errorf("decline addressed %+v, want to=a from=me", decline)
	}
	if l.Invite() != nil {
		t.Error("invite not cleared after decline")
	}
}

// TestInvitationTargetsThirdParty: for every combination of the four
// identity fields, accepting navigates to the existing-call user, never the
// inviter.
func TestInvitationTargetsThirdParty(t *testing.T) {
	testCases := []signal.CallInvitation{
		{FromUserID: "c", FromUsername: "carol", ExistingCallUserID: "e", ExistingCallUsername: "erin"},
		{FromUserID: "e", FromUsername: "erin", ExistingCallUserID: "c", ExistingCallUsername: "carol"},
		{FromUserID: "x", FromUsername: "x", ExistingCallUserID: "y", ExistingCallUsername: "x"},
	}

	for _, tc := range testCases {
		l, bus, _ := newTestListener(t)

		deliver(t, bus, signal.EventCallInvitation, tc)
		l.AcceptInvitation()

		select {
		case nav := <-l.Nav():
			if nav.PeerID != tc.ExistingCallUserID {
				t.Errorf("navigation target = %s, want existing-call user %s (inviter %s)",
					nav.PeerID, tc.ExistingCallUserID, tc.FromUserID)
			}
			if nav.PeerID == tc.FromUserID && tc.FromUserID != tc.ExistingCallUserID {
				t.Errorf("navigated to the inviter %s", tc.FromUserID)
			}
			if nav.Incoming {
				t.Error("joining an existing call must be an outgoing intent")
			}
		default:
			t.Fatal("accept produced no navigation intent")
		}
		if l.Invitation() != nil {
			t.Error("invitation not cleared after accept")
		}
	}
}

// TestDeclineInvitationPolicy verifies the configurable inviter
// notification: silent by default, decline-call when enabled.
func TestDeclineInvitationPolicy(t *testing.T) {
	t.Run("silent by default", func(t *testing.T) {
		l, bus, sender := newTestListener(t)
		deliver(t, bus, signal.EventCallInvitation, signal.CallInvitation{FromUserID: "c", ExistingCallUserID: "e"})

		l.DeclineInvitation()

		if len(sender.sent()) != 0 {
			t.Errorf("decline-invitation sent %+v, want nothing", sender.sent())
		}
		if l.Invitation() != nil {
			t.Error("invitation not cleared")
		}
	})

	t.Run("notifies when configured", func(t *testing.T) {
		l, bus, sender := newTestListener(t, WithDeclineNotification(true))
		deliver(t, bus, signal.EventCallInvitation, signal.CallInvitation{FromUserID: "c", ExistingCallUserID: "e"})

		l.DeclineInvitation()

		sends := sender.sent()
		if len(sends) != 1 || sends[0].event != signal.EventDeclineCall {
			t.Fatalf("sends = %+v, want one decline-call to the inviter", sends)
		}
		if decline := sends[0].payload.(signal.DeclineCall); decline.ToUserID != "c" {
			t.Errorf("decline addressed to %s, want inviter c", decline.ToUserID)
		}
	})
}

// TestProposalsIndependent: a direct call and a join invitation can pend at
// the same time and are decided separately.
func TestProposalsIndependent(t *testing.T) {
	l, bus, _ := newTestListener(t)

	deliver(t, bus, signal.EventIncomingCall, signal.IncomingCall{FromUserID: "a", FromUsername: "alice"})
	deliver(t, bus, signal.EventCallInvitation, signal.CallInvitation{FromUserID: "c", ExistingCallUserID: "e"})

	l.DeclineInvitation()

	if l.Invitation() != nil {
		t.Error("invitation should be cleared")
	}
	if l.Invite() == nil {
		t.Error("direct-call invite must survive an invitation decision")
	}
}
