package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
	"github.com/enginekit/substrate/test/util"
)

func TestComputeHash(t *testing.T) {
	h1 := ComputeHash([]byte(`{"a":1}`), "")
	h2 := ComputeHash([]byte(`{"a":1}`), "")
	assert.Equal(t, h1, h2, "hashing is deterministic")
	assert.Len(t, h1, 64, "hex sha-256")

	// Changing either input changes the hash.
	assert.NotEqual(t, h1, ComputeHash([]byte(`{"a":2}`), ""))
	assert.NotEqual(t, h1, ComputeHash([]byte(`{"a":1}`), h1))
}

func auditEnvelope(eventType string) models.EventEnvelope {
	return models.EventEnvelope{
		TenantID:     "t_acme",
		Mode:         models.ModeSaaS,
		Env:          models.EnvProd,
		ProjectID:    "proj-1",
		ActorID:      "user-42",
		ActorType:    models.ActorHuman,
		EventType:    eventType,
		StorageClass: models.StorageAudit,
	}
}

func TestRecorder_ChainGrowth(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	r := NewRecorder(db, nil)
	ctx := context.Background()

	first, err := r.Record(ctx, "t_acme", auditEnvelope("ROUTE_CHANGED"), map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "", first.PrevHash, "genesis link")
	assert.Equal(t, ComputeHash(first.Payload, ""), first.Hash)

	second, err := r.Record(ctx, "t_acme", auditEnvelope("ROUTE_CHANGED"), map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	// Chains are per tenant: another tenant starts from genesis.
	env := auditEnvelope("ROUTE_CHANGED")
	env.TenantID = "t_other"
	other, err := r.Record(ctx, "t_other", env, map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Seq)
	assert.Equal(t, "", other.PrevHash)
}

func TestRecorder_List(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	r := NewRecorder(db, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Record(ctx, "t_acme", auditEnvelope("ROUTE_CHANGED"), map[string]any{"n": i})
		require.NoError(t, err)
	}

	entries, err := r.List(ctx, "t_acme", 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, int64(4), entries[1].Seq)
}

func TestRecorder_VerifyDetectsTampering(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	r := NewRecorder(db, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := r.Record(ctx, "t_acme", auditEnvelope("ROUTE_CHANGED"), map[string]any{"n": i})
		require.NoError(t, err)
	}

	result, err := r.Verify(ctx, "t_acme")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(4), result.Entries)

	// Rewrite one payload behind the recorder's back.
	_, err = db.ExecContext(ctx,
		`UPDATE audit_entries SET payload = $1 WHERE tenant_id = 't_acme' AND seq = 2`,
		[]byte(`{"n":"forged"}`))
	require.NoError(t, err)

	result, err = r.Verify(ctx, "t_acme")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(2), result.FirstBadSeq)
	assert.Contains(t, result.Detail, "recomputation")
}

func TestRecorder_VerifyDetectsGap(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	r := NewRecorder(db, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Record(ctx, "t_acme", auditEnvelope("ROUTE_CHANGED"), map[string]any{"n": i})
		require.NoError(t, err)
	}

	_, err := db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE tenant_id = 't_acme' AND seq = 2`)
	require.NoError(t, err)

	result, err := r.Verify(ctx, "t_acme")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(3), result.FirstBadSeq)
	assert.Contains(t, result.Detail, "sequence gap")
}

func TestRecorder_VerifyEmptyChain(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	r := NewRecorder(db, nil)

	result, err := r.Verify(context.Background(), "t_nobody")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.Entries)
}
