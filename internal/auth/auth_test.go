package auth_test

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"

	"github.com/openvouch/openvouch/internal/auth"
	"github.com/openvouch/openvouch/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("ov_deadbeef_secret")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v="), "digest uses the PHC string format")

	ok, err := auth.VerifyAPIKey("ov_deadbeef_secret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.VerifyAPIKey("ov_deadbeef_wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashAPIKey_UniqueSalts(t *testing.T) {
	h1, err := auth.HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := auth.HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "each hash must use a fresh salt")
}

func TestVerifyAPIKey_MalformedHash(t *testing.T) {
	_, err := auth.VerifyAPIKey("key", "not-a-valid-hash")
	assert.Error(t, err)

	_, err = auth.VerifyAPIKey("key", "$argon2id$v=19$m=65536,t=2,p=4$short")
	assert.Error(t, err, "missing digest segment")
}

func TestVerifyAPIKey_HonorsDigestCosts(t *testing.T) {
	// A digest hashed under older, cheaper costs must still verify: the
	// parameters are read from the stored string, not from the current
	// defaults.
	salt := []byte("0123456789abcdef")
	digest := argon2.IDKey([]byte("legacy-key"), salt, 1, 32*1024, 2, 32)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, 32*1024, 1, 2,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	)

	ok, err := auth.VerifyAPIKey("legacy-key", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.VerifyAPIKey("wrong-key", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	agent := model.Agent{
		ID:      uuid.New(),
		AgentID: "alice",
		Role:    model.RoleAgent,
	}

	token, exp, err := mgr.IssueToken(agent)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.AgentID)
	assert.Equal(t, model.RoleAgent, claims.Role)
	assert.Equal(t, agent.ID.String(), claims.Subject)
}

func TestJWTValidate_RejectsForeignKey(t *testing.T) {
	mgr1, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken(model.Agent{ID: uuid.New(), AgentID: "alice", Role: model.RoleAgent})
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err, "token signed by a different key must not validate")
}

func TestJWTValidate_RejectsExpired(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(model.Agent{ID: uuid.New(), AgentID: "alice", Role: model.RoleAgent})
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTValidate_RejectsGarbage(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not.a.token")
	assert.Error(t, err)
}
