package session

import (
	uuid "github.com/satori/go.uuid"
)

// clientTag is the Azureus-style two-letter client identifier embedded in
// every peer id this engine generates, following the "-XX####-" convention
// peerconn.ClientName decodes.
const clientTag = "RP"

// version is the four-digit version field of the peer id.
const version = "0001"

// newPeerID generates a fresh 20-byte peer id: "-RP0001-" followed by 12
// random bytes. uuid.NewV4 is used as the randomness source rather than
// crypto/rand directly, matching the teacher's own choice of library for
// generating per-session identifiers (session/session.go's uuid.NewV1
// use for torrent ids).
func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-"+clientTag+version+"-")
	u := uuid.NewV4()
	copy(id[8:], u[:])
	return id
}
