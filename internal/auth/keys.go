package auth

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const minSessionKeyBytes = 32

// decodeSessionKey accepts base64 or raw text; either must give at least
// minSessionKeyBytes.
// An empty key yields a random one, so sessions do not survive a restart.
func decodeSessionKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		key := make([]byte, minSessionKeyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
		return key, nil
	}
	key := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= minSessionKeyBytes {
		key = decoded
	}
	if len(key) < minSessionKeyBytes {
		return nil, fmt.Errorf("session key must be at least %d bytes, got %d", minSessionKeyBytes, len(key))
	}
	return key, nil
}

// cookieKeys derives the securecookie hash and block keys from the session key.
func cookieKeys(master []byte) (hashKey, blockKey []byte, err error) {
	if hashKey, err = hkdf.Key(sha256.New, master, nil, "jsonapi session hash", 32); err != nil {
		return nil, nil, err
	}
	if blockKey, err = hkdf.Key(sha256.New, master, nil, "jsonapi session block", 32); err != nil {
		return nil, nil, err
	}
	return hashKey, blockKey, nil
}
