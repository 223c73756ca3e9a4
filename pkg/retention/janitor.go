// Package retention provides the background janitor that enforces per
// storage-class TTLs on stream events. Audit entries are exempt by
// construction; every sweep that deletes anything is itself recorded in the
// system audit chain.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/enginekit/substrate/pkg/config"
	"github.com/enginekit/substrate/pkg/models"
)

// Sweeper deletes stream events of one storage class older than a cutoff.
// Implemented by events.Store.
type Sweeper interface {
	DeleteBefore(ctx context.Context, class models.StorageClass, cutoff time.Time) (int64, error)
}

// AuditRecorder records sweep outcomes in the audit chain.
// Implemented by audit.Recorder.
type AuditRecorder interface {
	Record(ctx context.Context, tenantID string, env models.EventEnvelope, payload map[string]any) (*models.AuditEntry, error)
}

// Janitor periodically sweeps expired stream events. All operations are
// idempotent and safe to run from multiple replicas.
type Janitor struct {
	config  *config.RetentionConfig
	sweeper Sweeper
	audit   AuditRecorder

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a retention janitor. audit may be nil in tests.
func NewJanitor(cfg *config.RetentionConfig, sweeper Sweeper, audit AuditRecorder) *Janitor {
	return &Janitor{
		config:  cfg,
		sweeper: sweeper,
		audit:   audit,
	}
}

// Start launches the background sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go j.run(ctx)

	slog.Info("retention janitor started", "sweep_interval", j.config.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	slog.Info("retention janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)

	j.sweepAll(ctx)

	ticker := time.NewTicker(j.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepAll(ctx)
		}
	}
}

func (j *Janitor) sweepAll(ctx context.Context) {
	now := time.Now().UTC()
	for class, ttl := range j.config.ClassTTLs() {
		if ttl <= 0 {
			continue
		}
		count, err := j.sweeper.DeleteBefore(ctx, class, now.Add(-ttl))
		if err != nil {
			slog.Error("retention sweep failed", "storage_class", class, "error", err)
			continue
		}
		if count == 0 {
			continue
		}
		slog.Info("retention sweep deleted events",
			"storage_class", class, "count", count, "ttl", ttl)
		j.recordSweep(ctx, class, ttl, count, now)
	}
}

// recordSweep appends the sweep outcome to the system tenant's audit chain,
// so data removal is itself tamper-evident.
func (j *Janitor) recordSweep(ctx context.Context, class models.StorageClass, ttl time.Duration, count int64, swept time.Time) {
	if j.audit == nil {
		return
	}
	env := models.EventEnvelope{
		EventType:    models.EventTypeRetentionSweep,
		TenantID:     models.SystemTenant,
		Mode:         models.ModeEnterprise,
		Env:          models.EnvProd,
		ProjectID:    "control",
		ActorID:      "system",
		ActorType:    models.ActorSystem,
		StorageClass: models.StorageAudit,
	}
	payload := map[string]any{
		"storage_class": string(class),
		"ttl":           ttl.String(),
		"deleted":       count,
		"swept_at":      swept,
	}
	if _, err := j.audit.Record(ctx, models.SystemTenant, env, payload); err != nil {
		slog.Error("retention sweep audit record failed",
			"storage_class", class, "error", err)
	}
}
