// Package signal implements the signaling transport: named, addressed,
// asynchronous events carried over a persistent websocket to the relay.
// The package owns the single relay subscription; logical consumers (the
// global call listener, the negotiation engine, the CLI) attach through
// the fan-out Bus.
package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/vcall/vcall/internal/identity"
)

// Event names. Outbound names are what the client emits; inbound names are
// what the relay delivers after routing.
const (
	EventAnnounceOnline = "announce-online"
	EventGetOnlineUsers = "get-online-users"
	EventOnlineUsers    = "online-users"
	EventCallUser       = "call-user"
	EventIncomingCall   = "incoming-call"
	EventAcceptCall     = "accept-call"
	EventCallAccepted   = "call-accepted"
	EventDeclineCall    = "decline-call"
	EventCallDeclined   = "call-declined"
	EventICECandidate   = "ice-candidate"
	EventEndCall        = "end-call"
	EventCallEnded      = "call-ended"
	EventInviteToCall   = "invite-to-call"
	EventCallInvitation = "call-invitation"
)

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbound (client → relay) payloads
// ──────────────────────────────────────────────────────────────────────────────

// CallUser proposes a direct call, carrying the caller's identity so the
// remote listener can render the proposal without a directory lookup.
type CallUser struct {
	ToUserID     string                    `json:"toUserId"`
	FromUserID   string                    `json:"fromUserId"`
	FromUsername string                    `json:"fromUsername"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

// AcceptCall answers a direct call proposal.
type AcceptCall struct {
	ToUserID   string                    `json:"toUserId"`
	FromUserID string                    `json:"fromUserId"`
	Answer     webrtc.SessionDescription `json:"answer"`
}

// DeclineCall rejects a direct call proposal. No media is ever involved.
type DeclineCall struct {
	ToUserID   string `json:"toUserId"`
	FromUserID string `json:"fromUserId"`
}

// EndCall hangs up a call from either side.
type EndCall struct {
	ToUserID   string `json:"toUserId"`
	FromUserID string `json:"fromUserId"`
}

// InviteToCall asks a third user to join the sender's ongoing call. The
// relay resolves who the sender is currently talking to.
type InviteToCall struct {
	ToUserID     string `json:"toUserId"`
	RoomID       string `json:"roomId"`
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername"`
}

// CandidateOut forwards one locally gathered network-path candidate.
type CandidateOut struct {
	ToUserID  string                  `json:"toUserId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound (relay → client) payloads
// ──────────────────────────────────────────────────────────────────────────────

// IncomingCall is a direct call proposal delivered to the callee.
type IncomingCall struct {
	FromUserID   string                    `json:"fromUserId"`
	FromUsername string                    `json:"fromUsername"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

// CallAccepted delivers the callee's answer to the caller.
type CallAccepted struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

// CandidateIn delivers one remote network-path candidate.
type CandidateIn struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallInvitation tells the receiver that FromUserID invites them to join
// the call FromUserID is having with ExistingCallUserID. Accepting must
// place a call to ExistingCallUserID, never to the inviter.
type CallInvitation struct {
	FromUserID           string `json:"fromUserId"`
	FromUsername         string `json:"fromUsername"`
	ExistingCallUserID   string `json:"existingCallUserId"`
	ExistingCallUsername string `json:"existingCallUsername"`
}

// OnlineUsers is the relay's presence roster.
type OnlineUsers struct {
	Users []identity.Identity `json:"users"`
}
