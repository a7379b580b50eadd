package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes gives 192 bits of entropy per ticket token, comfortably
// above the 128-bit floor for an unguessable bearer credential.
const tokenBytes = 24

// NewToken mints a single-use ticket secret from the system CSPRNG,
// encoded URL-safe so it can ride in a voting link.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
