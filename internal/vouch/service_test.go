package vouch_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvouch/openvouch/internal/model"
	"github.com/openvouch/openvouch/internal/storage"
	"github.com/openvouch/openvouch/internal/testutil"
	"github.com/openvouch/openvouch/internal/trust"
	"github.com/openvouch/openvouch/internal/vouch"
)

var (
	testDB  *storage.DB
	testSvc *vouch.Service
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testSvc = vouch.New(testDB, testutil.TestLogger())

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func mkAgent(t *testing.T, agentID string, linked bool) model.Agent {
	t.Helper()
	agent := model.Agent{
		AgentID: agentID,
		Name:    "Test " + agentID,
		Role:    model.RoleAgent,
		Status:  model.StatusPending,
	}
	if linked {
		handle := agentID + "@example"
		agent.ExternalHandle = &handle
		agent.ExternalAccountLinked = true
		agent.Status = model.StatusActive
	}
	created, _, err := testDB.CreateAgentAndKey(context.Background(), agent, model.APIKey{
		Prefix:  "testpfx",
		KeyHash: "not-a-real-hash",
		AgentID: agentID,
		Label:   "test",
	})
	require.NoError(t, err)
	return created
}

func TestVouch_RecomputesRecipientScore(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "vs-from", true)
	mkAgent(t, "vs-to", false)

	v, score, err := testSvc.Vouch(ctx, "vs-from", "vs-to")
	require.NoError(t, err)
	assert.Equal(t, "vs-from", v.FromAgent)
	assert.Equal(t, "vs-to", v.ToAgent)

	// Fresh unverified recipient: no verification, karma, or age points.
	// The single qualifying vouch is worth exactly PointsPerVouch.
	assert.Equal(t, trust.PointsPerVouch, score.Total)
	assert.Equal(t, trust.Factors{Vouches: trust.PointsPerVouch}, score.Factors)

	stored, err := testDB.GetAgent(ctx, "vs-to")
	require.NoError(t, err)
	assert.Equal(t, score.Total, stored.TrustScore, "returned score must match the persisted one")
	assert.Equal(t, 1, stored.VouchCount)
}

func TestVouch_UnverifiedVoucher(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "uv-from", false)
	mkAgent(t, "uv-to", false)

	_, _, err := testSvc.Vouch(ctx, "uv-from", "uv-to")
	require.ErrorIs(t, err, vouch.ErrVoucherUnverified)

	stored, err := testDB.GetAgent(ctx, "uv-to")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.VouchCount, "rejected vouch must not create an edge")
}

func TestVouch_MissingVoucherIndistinguishable(t *testing.T) {
	mkAgent(t, "mv-to", false)

	// A nonexistent voucher yields the same error as an unverified one.
	_, _, err := testSvc.Vouch(context.Background(), "mv-ghost", "mv-to")
	require.ErrorIs(t, err, vouch.ErrVoucherUnverified)
}

func TestVouch_Self(t *testing.T) {
	mkAgent(t, "self-agent", true)

	_, _, err := testSvc.Vouch(context.Background(), "self-agent", "self-agent")
	require.ErrorIs(t, err, vouch.ErrSelfVouch)
}

func TestVouch_RecipientNotFound(t *testing.T) {
	mkAgent(t, "nf-from", true)

	_, _, err := testSvc.Vouch(context.Background(), "nf-from", "nf-ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVouch_Duplicate(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "dup-from", true)
	mkAgent(t, "dup-to", false)

	_, first, err := testSvc.Vouch(ctx, "dup-from", "dup-to")
	require.NoError(t, err)

	_, _, err = testSvc.Vouch(ctx, "dup-from", "dup-to")
	require.ErrorIs(t, err, vouch.ErrAlreadyVouched)

	// Score and counter unchanged by the rejected duplicate.
	stored, err := testDB.GetAgent(ctx, "dup-to")
	require.NoError(t, err)
	assert.Equal(t, first.Total, stored.TrustScore)
	assert.Equal(t, 1, stored.VouchCount)
}

func TestVouch_FactorCapsAtVouchCap(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "cap-to", false)

	// One more voucher than the cap needs (VouchCap/PointsPerVouch = 6).
	needed := trust.VouchCap/trust.PointsPerVouch + 1
	var last trust.Score
	for i := 0; i < needed; i++ {
		from := fmt.Sprintf("cap-from-%d", i)
		mkAgent(t, from, true)
		_, score, err := testSvc.Vouch(ctx, from, "cap-to")
		require.NoError(t, err)
		last = score
	}

	assert.Equal(t, trust.VouchCap, last.Factors.Vouches)
	assert.Equal(t, trust.VouchCap, last.Total)

	stored, err := testDB.GetAgent(ctx, "cap-to")
	require.NoError(t, err)
	assert.Equal(t, needed, stored.VouchCount, "counter keeps counting past the factor cap")
}

func TestLiveScore(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "ls-from", true)
	mkAgent(t, "ls-to", false)

	_, written, err := testSvc.Vouch(ctx, "ls-from", "ls-to")
	require.NoError(t, err)

	agent, live, qualifying, err := testSvc.LiveScore(ctx, "ls-to")
	require.NoError(t, err)
	assert.Equal(t, "ls-to", agent.AgentID)
	assert.Equal(t, 1, qualifying)
	// Created moments ago, so the age factor has not moved yet.
	assert.Equal(t, written.Total, live.Total)

	_, _, _, err = testSvc.LiveScore(ctx, "ls-ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIncoming(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "inc-a", true)
	mkAgent(t, "inc-b", true)
	mkAgent(t, "inc-to", false)

	_, _, err := testSvc.Vouch(ctx, "inc-a", "inc-to")
	require.NoError(t, err)
	_, _, err = testSvc.Vouch(ctx, "inc-b", "inc-to")
	require.NoError(t, err)

	vouches, err := testSvc.Incoming(ctx, "inc-to")
	require.NoError(t, err)
	assert.Len(t, vouches, 2)

	_, err = testSvc.Incoming(ctx, "inc-ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
