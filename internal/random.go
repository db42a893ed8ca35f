package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// MagicTokenSize is the number of random bytes in a magic-link token.
const MagicTokenSize = 32

var (
	errMagicTokenSize = errors.New("invalid magic token size")
	magicEncoding     = base64.RawURLEncoding.Strict()
)

// NewMagicToken returns 256 random bits and their base64url (unpadded) form.
func NewMagicToken() ([]byte, string, error) {
	raw := make([]byte, MagicTokenSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeMagicToken reverses NewMagicToken. Anything that is not exactly
// MagicTokenSize bytes of canonical base64url is rejected.
func DecodeMagicToken(token string) ([]byte, error) {
	if base64.RawURLEncoding.DecodedLen(len(token)) != MagicTokenSize {
		return nil, errMagicTokenSize
	}
	raw, err := magicEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	if len(raw) != MagicTokenSize {
		return nil, errMagicTokenSize
	}
	return raw, nil
}
