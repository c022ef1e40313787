// internal/auth/fingerprint.go
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

// keyParams stretch a fingerprint into a token signing key.
var keyParams = struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	keyLength   uint32
}{
	memory:      8 * 1024,
	iterations:  1,
	parallelism: 1,
	keyLength:   32,
}

// generateRandomBytes returns n random bytes or an error.
func generateRandomBytes(n uint32) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewFingerprint creates an opaque device fingerprint.
func NewFingerprint() (string, error) {
	b, err := generateRandomBytes(18)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// FingerprintDigest returns the hex BLAKE2b-256 digest of a fingerprint, the
// form stored in a room's kick list.
func FingerprintDigest(fingerprint string) string {
	sum := blake2b.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// signingKey derives the HMAC key for a room's session tokens from the
// device fingerprint, salted with the room code.
func signingKey(fingerprint, code string) []byte {
	salt := blake2b.Sum256([]byte(strings.ToUpper(code)))
	return argon2.IDKey([]byte(fingerprint), salt[:16], keyParams.iterations, keyParams.memory, keyParams.parallelism, keyParams.keyLength)
}
