package handshake

import (
	"crypto/sha1"
	"encoding/hex"
)

// Hasher derives the login password from the user's password and the server nonce.
type Hasher func(password, nonce string) string

// SHA1Hasher is the broker's SHA1 login scheme: hex(sha1(nonce + hex(sha1(password)))).
func SHA1Hasher(password, nonce string) string {
	inner := sha1.Sum([]byte(password))
	h := sha1.New()
	h.Write([]byte(nonce))
	h.Write([]byte(hex.EncodeToString(inner[:])))
	return hex.EncodeToString(h.Sum(nil))
}
