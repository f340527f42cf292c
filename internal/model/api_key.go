package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates as a specific agent. Multiple keys can exist per
// agent, enabling rotation and per-environment credentials. Only the
// Argon2id hash is stored; the raw key is shown once at creation.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	Prefix    string     `json:"prefix"`
	KeyHash   string     `json:"-"` // Never serialized.
	AgentID   string     `json:"agent_id"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

const (
	// keyPrefixLen is the number of random bytes used for the key prefix (8 hex chars).
	keyPrefixLen = 4
	// keySecretLen is the number of random bytes for the secret portion (32 hex chars).
	keySecretLen = 16
	// keyFormatPrefix is the static prefix for all openvouch API keys.
	keyFormatPrefix = "ov_"
)

// GenerateRawKey produces a new raw API key in the format
// ov_<8-char-prefix>_<32-char-secret>. Returns the full raw key and the
// prefix separately.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	secret := hex.EncodeToString(secretBytes)
	rawKey = keyFormatPrefix + prefix + "_" + secret

	return rawKey, prefix, nil
}

// ParseRawKey extracts the prefix from a raw key string.
// Returns an error if the format is invalid.
func ParseRawKey(rawKey string) (prefix string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}

	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", fmt.Errorf("model: invalid key format: expected ov_<prefix>_<secret>")
	}

	return rest[:underIdx], nil
}
