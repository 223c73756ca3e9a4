package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/config"
	"github.com/enginekit/substrate/pkg/models"
)

type fakeSweeper struct {
	mu      sync.Mutex
	deleted map[models.StorageClass]int64
	calls   map[models.StorageClass]int
}

func newFakeSweeper(deleted map[models.StorageClass]int64) *fakeSweeper {
	return &fakeSweeper{deleted: deleted, calls: make(map[models.StorageClass]int)}
}

func (f *fakeSweeper) DeleteBefore(_ context.Context, class models.StorageClass, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[class]++
	return f.deleted[class], nil
}

func (f *fakeSweeper) callCount(class models.StorageClass) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[class]
}

type fakeAuditRecorder struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (f *fakeAuditRecorder) Record(_ context.Context, tenantID string, env models.EventEnvelope, payload map[string]any) (*models.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, payload)
	return &models.AuditEntry{TenantID: tenantID, Seq: int64(len(f.entries)), Envelope: env}, nil
}

func (f *fakeAuditRecorder) recorded() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.entries...)
}

func TestJanitor_SweepsOnStart(t *testing.T) {
	sweeper := newFakeSweeper(map[models.StorageClass]int64{models.StorageOps: 3})
	auditor := &fakeAuditRecorder{}
	cfg := &config.RetentionConfig{
		OpsTTL:        time.Hour,
		StreamTTL:     time.Hour,
		CostTTL:       time.Hour,
		MetricTTL:     time.Hour,
		SweepInterval: time.Hour, // beyond the test window; only the start sweep runs
	}

	j := NewJanitor(cfg, sweeper, auditor)
	j.Start(context.Background())
	defer j.Stop()

	require.Eventually(t, func() bool {
		return sweeper.callCount(models.StorageOps) >= 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(auditor.recorded()) == 1
	}, time.Second, 10*time.Millisecond)

	entry := auditor.recorded()[0]
	assert.Equal(t, "ops", entry["storage_class"])
	assert.EqualValues(t, 3, entry["deleted"])
}

func TestJanitor_SkipsZeroTTLAndEmptySweeps(t *testing.T) {
	sweeper := newFakeSweeper(map[models.StorageClass]int64{}) // nothing deleted anywhere
	auditor := &fakeAuditRecorder{}
	cfg := &config.RetentionConfig{
		OpsTTL:        time.Hour,
		StreamTTL:     0, // disabled
		CostTTL:       time.Hour,
		MetricTTL:     time.Hour,
		SweepInterval: time.Hour,
	}

	j := NewJanitor(cfg, sweeper, auditor)
	j.Start(context.Background())

	require.Eventually(t, func() bool {
		return sweeper.callCount(models.StorageOps) >= 1
	}, time.Second, 10*time.Millisecond)
	j.Stop()

	assert.Zero(t, sweeper.callCount(models.StorageStream), "zero TTL disables the class")
	assert.Empty(t, auditor.recorded(), "empty sweeps are not recorded")
}

func TestJanitor_StopIsIdempotent(t *testing.T) {
	sweeper := newFakeSweeper(nil)
	cfg := config.DefaultRetentionConfig()

	j := NewJanitor(cfg, sweeper, nil)
	j.Start(context.Background())
	j.Stop()
	j.Stop() // second stop must not panic or block
}
