package call

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vcall/vcall/internal/identity"
	"github.com/vcall/vcall/internal/signal"
	"github.com/vcall/vcall/internal/util"
)

// Sender is the slice of the signaling transport the call core emits on.
// Sends are fire-and-forget; delivery and reconnection are the transport's
// problem. signal.Client satisfies it.
type Sender interface {
	Send(event string, payload any)
}

// CallInvite is a pending direct-call proposal. Only one is tracked at a
// time: a second incoming call replaces the first, last proposal wins.
type CallInvite struct {
	FromUserID   string
	FromUsername string
	Offer        webrtc.SessionDescription
}

// JoinInvitation is a pending "join my ongoing call" proposal. The inviter
// (FromUserID) and the call target (ExistingCallUserID) are distinct
// identities; accepting must dial the target, never the inviter.
type JoinInvitation struct {
	FromUserID           string
	FromUsername         string
	ExistingCallUserID   string
	ExistingCallUsername string
}

// Navigation is the intent produced when the user accepts a proposal: who
// the call screen should negotiate with, and whether the local side is the
// callee (Incoming, with the offer in hand) or the caller.
type Navigation struct {
	PeerID   string
	PeerName string
	Incoming bool
	Offer    webrtc.SessionDescription // set only when Incoming
}

// Listener is the always-mounted consumer of call signals. It owns the two
// pieces of transient proposal state and turns user decisions into
// Navigation intents for the negotiation engine. It never touches media —
// that separation is what lets a proposal be shown or dismissed without
// side effects on a call in progress.
type Listener struct {
	sig  Sender
	self identity.Identity

	// notifyInviterOnDecline sends decline-call to the inviter when a join
	// invitation is declined. The observed protocol sends nothing.
	notifyInviterOnDecline bool

	mu         sync.Mutex
	invite     *CallInvite
	invitation *JoinInvitation

	nav     chan Navigation
	cancels []func()
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithDeclineNotification makes DeclineInvitation signal the inviter.
func WithDeclineNotification(on bool) ListenerOption {
	return func(l *Listener) { l.notifyInviterOnDecline = on }
}

// NewListener creates the listener and subscribes it to the bus. It must be
// attached once per process and stay mounted for the whole session so call
// signals are surfaced no matter which screen is active.
func NewListener(bus *signal.Bus, sig Sender, self identity.Identity, opts ...ListenerOption) *Listener {
	l := &Listener{
		sig:  sig,
		self: self,
		nav:  make(chan Navigation, 4),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.cancels = append(l.cancels,
		bus.Subscribe(signal.EventIncomingCall, l.handleIncomingCall),
		bus.Subscribe(signal.EventCallInvitation, l.handleInvitation),
		bus.Subscribe(signal.EventCallEnded, func(json.RawMessage) { l.handleCallEnded() }),
	)
	return l
}

// Nav delivers the navigation intents produced by accept decisions.
func (l *Listener) Nav() <-chan Navigation {
	return l.nav
}

// Invite returns the pending direct-call proposal, if any.
func (l *Listener) Invite() *CallInvite {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invite == nil {
		return nil
	}
	inv := *l.invite
	return &inv
}

// Invitation returns the pending join invitation, if any.
func (l *Listener) Invitation() *JoinInvitation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invitation == nil {
		return nil
	}
	inv := *l.invitation
	return &inv
}

// Close detaches the listener from the bus.
func (l *Listener) Close() {
	for _, cancel := range l.cancels {
		cancel()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound signals
// ──────────────────────────────────────────────────────────────────────────────

func (l *Listener) handleIncomingCall(data json.RawMessage) {
	var in signal.IncomingCall
	if err := json.Unmarshal(data, &in); err != nil {
		util.LogWarning("malformed incoming-call, dropping: %v", err)
		return
	}

	l.mu.Lock()
	l.invite = &CallInvite{
		FromUserID:   in.FromUserID,
		FromUsername: in.FromUsername,
		Offer:        in.Offer,
	}
	l.mu.Unlock()
	util.LogInfo("incoming call from %s", in.FromUsername)
}

func (l *Listener) handleInvitation(data json.RawMessage) {
	var in signal.CallInvitation
	if err := json.Unmarshal(data, &in); err != nil {
		util.LogWarning("malformed call-invitation, dropping: %v", err)
		return
	}

	l.mu.Lock()
	l.invitation = &JoinInvitation{
		FromUserID:           in.FromUserID,
		FromUsername:         in.FromUsername,
		ExistingCallUserID:   in.ExistingCallUserID,
		ExistingCallUsername: in.ExistingCallUsername,
	}
	l.mu.Unlock()
	util.LogInfo("%s invited you to join their call with %s", in.FromUsername, in.ExistingCallUsername)
}

// handleCallEnded clears both proposals unconditionally — the caller may
// hang up before the user ever acts on the modal.
func (l *Listener) handleCallEnded() {
	l.mu.Lock()
	l.invite = nil
	l.invitation = nil
	l.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// User decisions
// ──────────────────────────────────────────────────────────────────────────────

// AcceptCall turns the pending direct-call proposal into a navigation
// intent for the engine's callee path. Without a proposal it is a no-op
// with a diagnostic.
func (l *Listener) AcceptCall() {
	l.mu.Lock()
	inv := l.invite
	l.mu.Unlock()
	if inv == nil {
		util.LogWarning("accept: no incoming call pending")
		return
	}

	l.dispatch(Navigation{
		PeerID:   inv.FromUserID,
		PeerName: inv.FromUsername,
		Incoming: true,
		Offer:    inv.Offer,
	})

	l.mu.Lock()
	l.invite = nil
	l.mu.Unlock()
}

// DeclineCall signals the caller and clears the proposal. Media is never
// acquired on this path — acquisition happens only after accept.
func (l *Listener) DeclineCall() {
	l.mu.Lock()
	inv := l.invite
	l.invite = nil
	l.mu.Unlock()
	if inv == nil {
		util.LogWarning("decline: no incoming call pending")
		return
	}

	l.sig.Send(signal.EventDeclineCall, signal.DeclineCall{
		ToUserID:   inv.FromUserID,
		FromUserID: l.self.ID,
	})
	util.LogInfo("declined call from %s", inv.FromUsername)
}

// AcceptInvitation produces a navigation intent addressed to the third
// party already in the call — explicitly not the inviter. The invitation is
// cleared only after the intent is dispatched so a consumer attaching late
// cannot drop the in-flight decision.
func (l *Listener) AcceptInvitation() {
	l.mu.Lock()
	inv := l.invitation
	l.mu.Unlock()
	if inv == nil {
		util.LogWarning("accept: no join invitation pending")
		return
	}

	l.dispatch(Navigation{
		PeerID:   inv.ExistingCallUserID,
		PeerName: inv.ExistingCallUsername,
		Incoming: false,
	})

	l.mu.Lock()
	l.invitation = nil
	l.mu.Unlock()
}

// DeclineInvitation clears the invitation. Whether the inviter hears about
// it is policy: the observed protocol tells them nothing.
func (l *Listener) DeclineInvitation() {
	l.mu.Lock()
	inv := l.invitation
	l.invitation = nil
	l.mu.Unlock()
	if inv == nil {
		return
	}

	if l.notifyInviterOnDecline {
		l.sig.Send(signal.EventDeclineCall, signal.DeclineCall{
			ToUserID:   inv.FromUserID,
			FromUserID: l.self.ID,
		})
	}
	util.LogInfo("declined invitation from %s", inv.FromUsername)
}

// dispatch hands a navigation intent to the run loop. The channel is
// buffered; if nobody consumed earlier intents, the oldest is replaced so
// the freshest decision wins.
func (l *Listener) dispatch(nav Navigation) {
	for {
		select {
		case l.nav <- nav:
			return
		default:
			select {
			case <-l.nav:
			default:
			}
		}
	}
}
