package pairing

import (
	"crypto/sha256"
	"crypto/ed25519"

	"github.com/keybase/saltpack/encoding/basex"
)

// confirmationCodeLen is the number of leading base62 characters shown to
// the user, the same short-fingerprint idiom as kr.Rand256Base62 (full
// 32-byte encodings are too long to read aloud or compare by eye).
const confirmationCodeLen = 8

// ConfirmationCode renders a short, typo-resistant base62 fingerprint of a
// peripheral's pinned identity key, grounded on kr.Rand256Base62's
// basex.Base62StdEncoding idiom. Two peers that completed the same
// handshake can read this aloud to each other as an out-of-band check.
func ConfirmationCode(identity ed25519.PublicKey) string {
	sum := sha256.Sum256(identity)
	encoded := basex.Base62StdEncoding.EncodeToString(sum[:])
	if len(encoded) > confirmationCodeLen {
		return encoded[:confirmationCodeLen]
	}
	return encoded
}
