package broker

import (
	"crypto/rand"
	"encoding/hex"
)

// newRandomID returns 20 cryptographically random bytes hex-encoded to 40
// characters. Session ids and browser ids share this format.
func newRandomID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is documented to never fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
