package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id costs for newly issued API keys. Verification reads the costs
// back out of the stored digest, so these can be raised later without
// invalidating keys hashed under the old values.
const (
	hashTime    = 2
	hashMemory  = 64 * 1024 // KiB
	hashThreads = 4
	hashKeyLen  = 32
	hashSaltLen = 16
)

var hashEncoding = base64.RawStdEncoding

// HashAPIKey digests a raw API key (the ov_-prefixed secret handed out once
// at registration) into a PHC-format Argon2id string for storage.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	digest := argon2.IDKey([]byte(apiKey), salt, hashTime, hashMemory, hashThreads, hashKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, hashMemory, hashTime, hashThreads,
		hashEncoding.EncodeToString(salt),
		hashEncoding.EncodeToString(digest),
	), nil
}

// DummyVerify burns the same Argon2id work as a real key check.
// Authentication paths call it when no stored digest was found, so an
// unknown agent_id costs the caller the same wall time as a wrong key.
func DummyVerify() {
	argon2.IDKey([]byte("-"), make([]byte, hashSaltLen), hashTime, hashMemory, hashThreads, hashKeyLen)
}

// VerifyAPIKey reports whether apiKey matches the stored PHC digest. Costs
// come from the digest itself, and the comparison is constant-time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return false, fmt.Errorf("auth: malformed key digest")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("auth: parse digest version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("auth: unsupported argon2 version %d", version)
	}

	var (
		memory, time uint32
		threads      uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("auth: parse digest costs: %w", err)
	}

	salt, err := hashEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := hashEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("auth: decode digest: %w", err)
	}

	got := argon2.IDKey([]byte(apiKey), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
