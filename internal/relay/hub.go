// Package relay implements the signaling relay: a websocket hub that
// routes named, addressed events between online users. The relay never
// inspects session descriptions or candidates; it resolves addresses,
// tracks presence, and remembers who is in a call with whom so that
// join invitations can name the existing callee.
package relay

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vcall/vcall/internal/identity"
	"github.com/vcall/vcall/internal/signal"
)

// wire is the write side of one client socket. Writes through it must be
// serialized by the caller; the hub does all writing under its own lock.
type wire interface {
	WriteJSON(v any) error
}

type peer struct {
	conn wire
	id   identity.Identity
}

// Hub routes envelopes between announced users. One entry per user id;
// a re-announce from a new socket takes over the id (last write wins),
// and a disconnect removes the entry only when the closing socket still
// owns it.
type Hub struct {
	log zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peer
	calls map[string]string // user id → the peer they are in a call with
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log,
		peers: make(map[string]*peer),
		calls: make(map[string]string),
	}
}

// HandleEnvelope routes one inbound envelope from conn. Unknown events and
// malformed payloads are dropped with a log line; a relay crash on bad
// client input is never acceptable.
func (h *Hub) HandleEnvelope(conn wire, env signal.Envelope) {
	switch env.Event {
	case signal.EventAnnounceOnline:
		h.announce(conn, env.Data)
	case signal.EventGetOnlineUsers:
		h.sendRoster(conn)
	case signal.EventCallUser:
		h.routeCallUser(env.Data)
	case signal.EventAcceptCall:
		h.routeAccept(env.Data)
	case signal.EventDeclineCall:
		h.routeDecline(env.Data)
	case signal.EventICECandidate:
		h.routeCandidate(env.Data)
	case signal.EventEndCall:
		h.routeEnd(env.Data)
	case signal.EventInviteToCall:
		h.routeInvite(env.Data)
	default:
		h.log.Warn().Str("event", env.Event).Msg("unknown event dropped")
	}
}

// Disconnect removes the user bound to conn, ends any call they were in,
// and re-broadcasts the roster. A stale socket that already lost its user
// id to a re-announce unbinds nothing.
func (h *Hub) Disconnect(conn wire) {
	h.mu.Lock()
	var gone string
	for id, p := range h.peers {
		if p.conn == conn {
			gone = id
			delete(h.peers, id)
			break
		}
	}
	if gone == "" {
		h.mu.Unlock()
		return
	}

	if other, ok := h.calls[gone]; ok {
		delete(h.calls, gone)
		delete(h.calls, other)
		h.deliverLocked(other, signal.EventCallEnded, nil)
	}
	h.broadcastRosterLocked()
	h.mu.Unlock()

	h.log.Info().Str("user_id", gone).Msg("user offline")
}

// ──────────────────────────────────────────────────────────────────────────────
// Presence
// ──────────────────────────────────────────────────────────────────────────────

func (h *Hub) announce(conn wire, data json.RawMessage) {
	var id identity.Identity
	if err := json.Unmarshal(data, &id); err != nil || !id.Valid() {
		h.log.Warn().Err(err).Msg("malformed announce-online dropped")
		return
	}

	h.mu.Lock()
	h.peers[id.ID] = &peer{conn: conn, id: id}
	h.broadcastRosterLocked()
	h.mu.Unlock()

	h.log.Info().Str("user_id", id.ID).Str("username", id.Username).Msg("user online")
}

func (h *Hub) sendRoster(conn wire) {
	h.mu.Lock()
	roster := h.rosterLocked()
	h.mu.Unlock()

	if err := h.writeEvent(conn, signal.EventOnlineUsers, roster); err != nil {
		h.log.Debug().Err(err).Msg("roster write failed")
	}
}

func (h *Hub) rosterLocked() signal.OnlineUsers {
	users := make([]identity.Identity, 0, len(h.peers))
	for _, p := range h.peers {
		users = append(users, p.id)
	}
	return signal.OnlineUsers{Users: users}
}

func (h *Hub) broadcastRosterLocked() {
	roster := h.rosterLocked()
	for id, p := range h.peers {
		if err := h.writeEvent(p.conn, signal.EventOnlineUsers, roster); err != nil {
			h.log.Debug().Err(err).Str("user_id", id).Msg("roster write failed")
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Call routing
// ──────────────────────────────────────────────────────────────────────────────

func (h *Hub) routeCallUser(data json.RawMessage) {
	var in signal.CallUser
	if err := json.Unmarshal(data, &in); err != nil {
		h.log.Warn().Err(err).Msg("malformed call-user dropped")
		return
	}

	h.mu.Lock()
	h.deliverLocked(in.ToUserID, signal.EventIncomingCall, signal.IncomingCall{
		FromUserID:   in.FromUserID,
		FromUsername: in.FromUsername,
		Offer:        in.Offer,
	})
	h.mu.Unlock()
}

// routeAccept forwards the answer and records the pair as in-call, which is
// what later lets invite-to-call name the existing callee.
func (h *Hub) routeAccept(data json.RawMessage) {
	var in signal.AcceptCall
	if err := json.Unmarshal(data, &in); err != nil {
		h.log.Warn().Err(err).Msg("malformed accept-call dropped")
		return
	}

	h.mu.Lock()
	h.calls[in.FromUserID] = in.ToUserID
	h.calls[in.ToUserID] = in.FromUserID
	h.deliverLocked(in.ToUserID, signal.EventCallAccepted, signal.CallAccepted{Answer: in.Answer})
	h.mu.Unlock()
}

func (h *Hub) routeDecline(data json.RawMessage) {
	var in signal.DeclineCall
	if err := json.Unmarshal(data, &in); err != nil {
		h.log.Warn().Err(err).Msg("malformed decline-call dropped")
		return
	}

	h.mu.Lock()
	h.deliverLocked(in.ToUserID, signal.EventCallDeclined, nil)
	h.mu.Unlock()
}

func (h *Hub) routeCandidate(data json.RawMessage) {
	var in signal.CandidateOut
	if err := json.Unmarshal(data, &in); err != nil {
		h.log.Warn().Err(err).Msg("malformed ice-candidate dropped")
		return
	}

	h.mu.Lock()
	h.deliverLocked(in.ToUserID, signal.EventICECandidate, signal.CandidateIn{Candidate: in.Candidate})
	h.mu.Unlock()
}

func (h *Hub) routeEnd(data json.RawMessage) {
	var in signal.EndCall
	if err := json.Unmarshal(data, &in); err != nil {
		h.log.Warn().Err(err).Msg("malformed end-call dropped")
		return
	}

	h.mu.Lock()
	delete(h.calls, in.FromUserID)
	delete(h.calls, in.ToUserID)
	h.deliverLocked(in.ToUserID, signal.EventCallEnded, nil)
	h.mu.Unlock()
}

// routeInvite resolves who the inviter is currently talking to and delivers
// a call-invitation naming that user. The receiver must place their call to
// the existing callee, never to the inviter, so both resolved fields matter.
func (h *Hub) routeInvite(data json.RawMessage) {
	var in signal.InviteToCall
	if err := json.Unmarshal(data, &in); err != nil {
		h.log.Warn().Err(err).Msg("malformed invite-to-call dropped")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	existingID, ok := h.calls[in.FromUserID]
	if !ok {
		h.log.Warn().Str("user_id", in.FromUserID).Msg("invite from user not in a call dropped")
		return
	}
	existingName := existingID
	if p, ok := h.peers[existingID]; ok {
		existingName = p.id.Username
	}

	h.deliverLocked(in.ToUserID, signal.EventCallInvitation, signal.CallInvitation{
		FromUserID:           in.FromUserID,
		FromUsername:         in.FromUsername,
		ExistingCallUserID:   existingID,
		ExistingCallUsername: existingName,
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Delivery
// ──────────────────────────────────────────────────────────────────────────────

// deliverLocked writes one event to a user. An offline target is a drop,
// not an error: signaling is fire and forget end to end.
func (h *Hub) deliverLocked(toUserID, event string, payload any) {
	p, ok := h.peers[toUserID]
	if !ok {
		h.log.Debug().Str("user_id", toUserID).Str("event", event).Msg("target offline, dropped")
		return
	}
	if err := h.writeEvent(p.conn, event, payload); err != nil {
		h.log.Debug().Err(err).Str("user_id", toUserID).Str("event", event).Msg("write failed")
	}
}

func (h *Hub) writeEvent(conn wire, event string, payload any) error {
	env := signal.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Data = data
	}
	return conn.WriteJSON(env)
}
