package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// keyPrefix marks every ingestion credential this service issues.
const keyPrefix = "ca_"

// keyLength is fixed by the format below; anything else is rejected before
// touching storage.
const keyLength = 63

// GenerateAPIKey builds one ingestion credential:
//
//	ca_<user id, 8 digits>_<sha256 12>_<blake2b 16>_<urlsafe 12>_<micros 8>
//
// Three independent entropy sources feed the hash segments, and the
// microsecond tail makes even same-instant collisions implausible. The key
// is opaque to every consumer; only prefix and length are ever checked.
func GenerateAPIKey(userID int64) (string, error) {
	micros := time.Now().UnixMicro()

	r1 := make([]byte, 16)
	if _, err := rand.Read(r1); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	h1 := sha256.Sum256([]byte(fmt.Sprintf("%d%d%s", userID, micros, hex.EncodeToString(r1))))

	r2 := make([]byte, 32)
	if _, err := rand.Read(r2); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	h2 := blake2b.Sum256(r2)

	r3 := make([]byte, 12)
	if _, err := rand.Read(r3); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	h3 := base64.RawURLEncoding.EncodeToString(r3)

	ts := fmt.Sprintf("%d", micros)
	if len(ts) > 8 {
		ts = ts[len(ts)-8:]
	}

	return fmt.Sprintf("%s%08d_%s_%s_%s_%s", keyPrefix, userID,
		hex.EncodeToString(h1[:])[:12],
		hex.EncodeToString(h2[:])[:16],
		h3[:12], ts), nil
}

// ValidKeyFormat is a cheap pre-check before any storage lookup.
func ValidKeyFormat(key string) bool {
	return len(key) == keyLength && strings.HasPrefix(key, keyPrefix)
}
