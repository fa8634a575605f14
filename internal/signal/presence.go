package signal

import (
	"sync"

	"github.com/vcall/vcall/internal/identity"
	"github.com/vcall/vcall/internal/util"
)

// Presence announces the local identity to the relay on every successful
// (re)connection. It keeps no state beyond the identity itself: repeated
// announcements are idempotent on the relay (last write wins), and an
// unknown identity makes the whole component a no-op.
type Presence struct {
	client *Client

	mu sync.Mutex
	id identity.Identity
}

// NewPresence attaches a presence announcer to the client. The identity may
// be set before or after the first connection.
func NewPresence(client *Client) *Presence {
	p := &Presence{client: client}
	client.OnConnect(p.announce)
	return p
}

// SetIdentity records the local identity and, if the transport is already
// connected, announces it immediately.
func (p *Presence) SetIdentity(id identity.Identity) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()

	if p.client.Connected() {
		p.announce()
	}
}

// RequestRoster asks the relay for the current presence list. The answer
// arrives as an online-users event on the bus.
func (p *Presence) RequestRoster() {
	p.client.Send(EventGetOnlineUsers, struct{}{})
}

// announce emits announce-online if an identity is known. No identity means
// no announcement — never an error, never a retry.
func (p *Presence) announce() {
	p.mu.Lock()
	id := p.id
	p.mu.Unlock()

	if !id.Valid() {
		util.LogDebug("presence: no identity yet, skipping announcement")
		return
	}
	p.client.Send(EventAnnounceOnline, id)
}
