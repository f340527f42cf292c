package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvouch/openvouch/internal/model"
	"github.com/openvouch/openvouch/internal/storage"
	"github.com/openvouch/openvouch/internal/testutil"
	"github.com/openvouch/openvouch/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// mkAgent inserts an agent with an API key. linked controls whether the agent
// counts as externally verified.
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

// keepScore is a rescore callback that leaves the stored score unchanged.
func keepScore(recipient model.Agent, _ int) int {
	return recipient.TrustScore
}

func TestRunMigrations_Rerun(t *testing.T) {
	// The suite setup already applied every migration; running again must be
	// a no-op, with the schema_migrations ledger suppressing each file.
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestCreateAgentAndKey_Duplicate(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "dup-agent", false)

	_, _, err := testDB.CreateAgentAndKey(ctx, model.Agent{
		AgentID: "dup-agent",
		Role:    model.RoleAgent,
		Status:  model.StatusPending,
	}, model.APIKey{Prefix: "p2", KeyHash: "h2", AgentID: "dup-agent"})
	require.ErrorIs(t, err, storage.ErrDuplicateAgent)
}

func TestGetAgent_NotFound(t *testing.T) {
	_, err := testDB.GetAgent(context.Background(), "no-such-agent")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddVouch_IncrementsCounterAndPersistsScore(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "av-from", true)
	mkAgent(t, "av-to", false)

	var sawQualifying int
	v, recipient, err := testDB.AddVouch(ctx, "av-from", "av-to",
		func(r model.Agent, qualifying int) int {
			sawQualifying = qualifying
			return 42
		})
	require.NoError(t, err)
	assert.Equal(t, "av-from", v.FromAgent)
	assert.Equal(t, "av-to", v.ToAgent)
	assert.Equal(t, 1, recipient.VouchCount)
	assert.Equal(t, 42, recipient.TrustScore)
	assert.Equal(t, 1, sawQualifying, "verified voucher's edge should qualify")

	// The persisted row matches what the transaction returned.
	stored, err := testDB.GetAgent(ctx, "av-to")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.VouchCount)
	assert.Equal(t, 42, stored.TrustScore)
}

func TestAddVouch_Duplicate(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "dv-from", true)
	mkAgent(t, "dv-to", false)

	_, _, err := testDB.AddVouch(ctx, "dv-from", "dv-to", keepScore)
	require.NoError(t, err)

	_, _, err = testDB.AddVouch(ctx, "dv-from", "dv-to", keepScore)
	require.ErrorIs(t, err, storage.ErrDuplicateVouch)

	// Counter stays at 1 — the failed insert rolled back.
	stored, err := testDB.GetAgent(ctx, "dv-to")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.VouchCount)
}

func TestAddVouch_SelfVouchRejectedByCheck(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "sv-self", true)

	// The service layer rejects self-vouches before storage; the CHECK
	// constraint is the backstop for any path that skips it.
	_, _, err := testDB.AddVouch(ctx, "sv-self", "sv-self", keepScore)
	require.ErrorIs(t, err, storage.ErrSelfVouch)
}

func TestAddVouch_RecipientNotFound(t *testing.T) {
	mkAgent(t, "rn-from", true)
	_, _, err := testDB.AddVouch(context.Background(), "rn-from", "rn-missing", keepScore)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddVouch_ConcurrentSamePair(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "cc-from", true)
	mkAgent(t, "cc-to", false)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = testDB.AddVouch(ctx, "cc-from", "cc-to", keepScore)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, storage.ErrDuplicateVouch)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one racing vouch for the same pair may win")

	stored, err := testDB.GetAgent(ctx, "cc-to")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.VouchCount)
}

func TestQualifyingVouchCount_RetroactiveVerification(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "rq-unverified", false)
	mkAgent(t, "rq-verified", true)
	mkAgent(t, "rq-to", false)

	// Edge inserted directly: the unverified voucher is blocked by the
	// service layer but the storage question is about qualification.
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO vouches (id, from_agent, to_agent) VALUES (gen_random_uuid(), $1, $2)`,
		"rq-unverified", "rq-to")
	require.NoError(t, err)
	_, _, err = testDB.AddVouch(ctx, "rq-verified", "rq-to", keepScore)
	require.NoError(t, err)

	qualifying, err := testDB.QualifyingVouchCount(ctx, "rq-to")
	require.NoError(t, err)
	assert.Equal(t, 1, qualifying, "only the verified voucher's edge qualifies")

	// Once the unverified voucher links an account, its past edge counts.
	_, err = testDB.SetVerification(ctx, "rq-unverified", "rq@example", 500, keepScore)
	require.NoError(t, err)

	qualifying, err = testDB.QualifyingVouchCount(ctx, "rq-to")
	require.NoError(t, err)
	assert.Equal(t, 2, qualifying)
}

func TestSetVerification(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "ver-agent", false)

	agent, err := testDB.SetVerification(ctx, "ver-agent", "handle@forum", 2500,
		func(a model.Agent, qualifying int) int {
			// The callback sees the already-updated row.
			assert.True(t, a.ExternalAccountLinked)
			assert.Equal(t, 0, qualifying)
			return 45
		})
	require.NoError(t, err)

	assert.True(t, agent.ExternalAccountLinked)
	require.NotNil(t, agent.ExternalHandle)
	assert.Equal(t, "handle@forum", *agent.ExternalHandle)
	require.NotNil(t, agent.Karma)
	assert.Equal(t, int64(2500), *agent.Karma)
	assert.Equal(t, model.StatusActive, agent.Status)
	assert.Equal(t, 45, agent.TrustScore)

	stored, err := testDB.GetAgent(ctx, "ver-agent")
	require.NoError(t, err)
	assert.Equal(t, 45, stored.TrustScore)
}

func TestSetVerification_NotFound(t *testing.T) {
	_, err := testDB.SetVerification(context.Background(), "ver-missing", "h", 0, keepScore)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIncomingVouches_NewestFirst(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "iv-a", true)
	mkAgent(t, "iv-b", true)
	mkAgent(t, "iv-to", false)

	_, _, err := testDB.AddVouch(ctx, "iv-a", "iv-to", keepScore)
	require.NoError(t, err)
	_, _, err = testDB.AddVouch(ctx, "iv-b", "iv-to", keepScore)
	require.NoError(t, err)

	vouches, err := testDB.IncomingVouches(ctx, "iv-to")
	require.NoError(t, err)
	require.Len(t, vouches, 2)
	assert.Equal(t, "iv-b", vouches[0].FromAgent)
	assert.Equal(t, "iv-a", vouches[1].FromAgent)
	assert.False(t, vouches[0].CreatedAt.Before(vouches[1].CreatedAt))
}

func TestListAgents_Pagination(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "list-1", false)
	mkAgent(t, "list-2", false)

	total, err := testDB.CountAgents(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)

	page, err := testDB.ListAgents(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	all, err := testDB.ListAgents(ctx, 1000, 0)
	require.NoError(t, err)
	assert.Len(t, all, total)
}

func TestUpdateAgentStatus_KeepsScore(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "us-agent", true)

	_, err := testDB.SetVerification(ctx, "us-agent", "us@example", 0,
		func(model.Agent, int) int { return 20 })
	require.NoError(t, err)

	agent, err := testDB.UpdateAgentStatus(ctx, "us-agent", model.StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, agent.Status)
	assert.Equal(t, 20, agent.TrustScore, "suspension must not touch the score")
}

func TestGetActiveAPIKeysByAgentID(t *testing.T) {
	ctx := context.Background()
	mkAgent(t, "key-agent", false)

	keys, err := testDB.GetActiveAPIKeysByAgentID(ctx, "key-agent")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "not-a-real-hash", keys[0].KeyHash)

	keys, err = testDB.GetActiveAPIKeysByAgentID(ctx, "no-such-agent")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
