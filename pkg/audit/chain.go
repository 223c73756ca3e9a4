// Package audit maintains the per-tenant tamper-evident log. Each entry's
// hash covers its payload and the previous entry's hash, so any mutation or
// reordering breaks verification from that point on. Audit entries are
// exempt from retention and never deleted.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/enginekit/substrate/pkg/models"
)

const uniqueViolation = "23505"

// recordRetries bounds retries of the head race on concurrent appends.
const recordRetries = 5

// genesisHash anchors every tenant chain. Seq 1 links to this constant.
const genesisHash = ""

// ComputeHash returns the hex SHA-256 of payload followed by the previous
// entry's hash. This is the chain link function; Verify recomputes it.
func ComputeHash(payload []byte, prevHash string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Recorder appends to and verifies tenant audit chains.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRecorder creates a recorder over the audit database.
func NewRecorder(db *sql.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

// Record appends one entry to a tenant's chain. The payload is serialized
// deterministically before hashing so Verify recomputes over identical bytes.
func (r *Recorder) Record(ctx context.Context, tenantID string, env models.EventEnvelope, payload map[string]any) (*models.AuditEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("audit record requires tenant_id")
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("audit envelope invalid: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal audit envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < recordRetries; attempt++ {
		entry, err := r.tryRecord(ctx, tenantID, envJSON, payloadJSON, env)
		if err == nil {
			return entry, nil
		}
		if !isHeadRace(err) {
			return nil, models.ErrBackendUnavailable(models.KindAuditStore, err)
		}
		lastErr = err
	}
	return nil, models.ErrBackendUnavailable(models.KindAuditStore,
		fmt.Errorf("audit head contention after %d attempts: %w", recordRetries, lastErr))
}

// tryRecord reads the chain head and inserts the next link. The
// (tenant_id, seq) primary key turns concurrent appends into a retry.
func (r *Recorder) tryRecord(ctx context.Context, tenantID string, envJSON, payloadJSON []byte, env models.EventEnvelope) (*models.AuditEntry, error) {
	var headSeq sql.NullInt64
	var headHash sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT seq, hash FROM audit_entries
		WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`,
		tenantID).Scan(&headSeq, &headHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read audit head: %w", err)
	}

	prevHash := genesisHash
	seq := int64(1)
	if headSeq.Valid {
		seq = headSeq.Int64 + 1
		prevHash = headHash.String
	}

	entry := &models.AuditEntry{
		TenantID:   tenantID,
		Seq:        seq,
		Envelope:   env,
		Payload:    payloadJSON,
		PrevHash:   prevHash,
		Hash:       ComputeHash(payloadJSON, prevHash),
		RecordedAt: time.Now().UTC(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (tenant_id, seq, envelope, payload, prev_hash, hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TenantID, entry.Seq, envJSON, entry.Payload,
		entry.PrevHash, entry.Hash, entry.RecordedAt)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("audit entry recorded",
		"tenant_id", tenantID, "seq", seq, "event_type", env.EventType)
	return entry, nil
}

func isHeadRace(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// List returns up to limit entries of a tenant chain strictly after afterSeq
// in chain order.
func (r *Recorder) List(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, seq, envelope, payload, prev_hash, hash, recorded_at
		FROM audit_entries
		WHERE tenant_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		tenantID, afterSeq, limit)
	if err != nil {
		return nil, models.ErrBackendUnavailable(models.KindAuditStore, err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var envJSON []byte
		if err := rows.Scan(&entry.TenantID, &entry.Seq, &envJSON, &entry.Payload,
			&entry.PrevHash, &entry.Hash, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal(envJSON, &entry.Envelope); err != nil {
			return nil, fmt.Errorf("decode audit envelope: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Verify recomputes a tenant chain from the genesis link and reports the
// first entry whose stored hash, link, or sequence does not match.
func (r *Recorder) Verify(ctx context.Context, tenantID string) (*models.AuditVerifyResult, error) {
	result := &models.AuditVerifyResult{TenantID: tenantID, Valid: true}

	prevHash := genesisHash
	expectSeq := int64(1)
	afterSeq := int64(0)
	for {
		entries, err := r.List(ctx, tenantID, afterSeq, 500)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			e := &entries[i]
			result.Entries++
			switch {
			case e.Seq != expectSeq:
				result.Valid = false
				result.FirstBadSeq = e.Seq
				result.Detail = fmt.Sprintf("sequence gap: expected %d, found %d", expectSeq, e.Seq)
			case e.PrevHash != prevHash:
				result.Valid = false
				result.FirstBadSeq = e.Seq
				result.Detail = "prev_hash does not match preceding entry"
			case e.Hash != ComputeHash(e.Payload, e.PrevHash):
				result.Valid = false
				result.FirstBadSeq = e.Seq
				result.Detail = "stored hash does not match recomputation"
			}
			if !result.Valid {
				return result, nil
			}
			prevHash = e.Hash
			expectSeq++
			afterSeq = e.Seq
		}
		if len(entries) < 500 {
			return result, nil
		}
	}
}
