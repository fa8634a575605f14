// Package identity holds the local user identity and the boundary to the
// credential service that issues it. The call core only ever reads an
// Identity; it never mutates or persists one.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// Identity is an opaque user id plus a display name, established at login.
type Identity struct {
	ID       string `json:"userId"`
	Username string `json:"username"`
}

// Valid reports whether the identity is usable for signaling. An identity
// with no ID cannot be announced or addressed.
func (id Identity) Valid() bool {
	return id.ID != ""
}

// New mints a local identity with a fresh user id. Used when no credential
// service is configured; the relay treats any announced id as authoritative
// (auth mechanics are out of scope).
func New(username string) Identity {
	return Identity{
		ID:       uuid.NewString(),
		Username: strings.TrimSpace(username),
	}
}
