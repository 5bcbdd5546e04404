package tracker

import (
	"crypto/rand"
	"encoding/binary"
)

// randomTransactionID returns a fresh BEP 15 transaction id. Collisions
// across concurrent announces are harmless: a stray response with the
// wrong id is simply ignored by the transaction-id check.
func randomTransactionID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
