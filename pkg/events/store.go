package events

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"

	"github.com/enginekit/substrate/pkg/models"
)

// appendRetries bounds how many times an append retries the conditional
// insert after losing the per-stream seq race.
const appendRetries = 5

// uniqueViolation is the PostgreSQL error code for unique constraint failures.
const uniqueViolation = "23505"

// Store is the durable append-only stream store. Appends persist the record
// and fire pg_notify in one transaction, so the live tail sees exactly the
// committed order.
type Store struct {
	db *sql.DB
}

// NewStore creates a stream store over the routed event-stream database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append persists one event. The store assigns event_id (sortable ULID) and
// the per-stream seq; the caller never supplies either. A duplicate
// idempotency key returns the original record with no new write.
func (s *Store) Append(ctx context.Context, streamID string, env models.EventEnvelope, payload map[string]any) (*models.StreamRecord, error) {
	if streamID == "" {
		return nil, models.ErrStreamWriteFailed(streamID, fmt.Errorf("stream_id is required"))
	}
	if err := env.Validate(); err != nil {
		return nil, models.ErrStreamWriteFailed(streamID, err)
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		rec, err := s.tryAppend(ctx, streamID, env, payload)
		if err == nil {
			return rec, nil
		}
		if dup := s.resolveIdempotent(ctx, streamID, env.IdempotencyKey, err); dup != nil {
			return dup, nil
		}
		if !isSeqRace(err) {
			if ctx.Err() != nil {
				return nil, models.ErrRequestTimeout(ctx.Err())
			}
			return nil, models.ErrStreamWriteFailed(streamID, err)
		}
		lastErr = err
	}
	return nil, models.ErrStreamWriteFailed(streamID, fmt.Errorf("seq contention after %d attempts: %w", appendRetries, lastErr))
}

// tryAppend runs one conditional-insert attempt inside a transaction and
// fires the NOTIFY before commit (pg_notify is transactional).
func (s *Store) tryAppend(ctx context.Context, streamID string, env models.EventEnvelope, payload map[string]any) (*models.StreamRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	env.EventID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	now := time.Now().UTC()

	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var payloadJSON []byte
	if payload != nil {
		if payloadJSON, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}

	var idempotencyKey sql.NullString
	if env.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: env.IdempotencyKey, Valid: true}
	}

	// Seq and prev_event_id come from the current stream head; the unique
	// (stream_id, seq) index turns concurrent appends into a retry.
	var seq int64
	var prevEventID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stream_events (stream_id, seq, event_id, prev_event_id, idempotency_key, envelope, payload, committed_at)
		SELECT $1,
		       COALESCE(MAX(seq), 0) + 1,
		       $2,
		       COALESCE((SELECT event_id FROM stream_events WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1), ''),
		       $3, $4, $5, $6
		FROM stream_events WHERE stream_id = $1
		RETURNING seq, prev_event_id`,
		streamID, env.EventID, idempotencyKey, envJSON, payloadJSON, now,
	).Scan(&seq, &prevEventID)
	if err != nil {
		return nil, err
	}

	rec := &models.StreamRecord{
		Envelope:    env,
		Payload:     payload,
		StreamID:    streamID,
		Seq:         seq,
		PrevEventID: prevEventID,
		CommittedAt: now,
	}

	notifyPayload, err := notifyJSON(rec)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", StreamChannel(streamID), notifyPayload); err != nil {
		return nil, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return rec, nil
}

// resolveIdempotent returns the original record when err is the idempotency
// unique violation for this key, nil otherwise.
func (s *Store) resolveIdempotent(ctx context.Context, streamID, key string, err error) *models.StreamRecord {
	if key == "" {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation || pgErr.ConstraintName != "stream_events_idempotency" {
		return nil
	}
	rec, lookupErr := s.getByIdempotencyKey(ctx, streamID, key)
	if lookupErr != nil {
		return nil
	}
	return rec
}

func isSeqRace(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "stream_events_stream_seq"
}

func (s *Store) getByIdempotencyKey(ctx context.Context, streamID, key string) (*models.StreamRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_id, seq, prev_event_id, envelope, payload, committed_at
		FROM stream_events WHERE stream_id = $1 AND idempotency_key = $2`,
		streamID, key)
	return scanRecord(row)
}

// ListAfter returns up to limit records strictly after the cursor, in
// commit order. An empty cursor starts from the beginning of the stream; a
// cursor naming no known event is a 410 cursor_invalid.
func (s *Store) ListAfter(ctx context.Context, streamID, afterEventID string, limit int) ([]models.StreamRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	afterSeq := int64(0)
	if afterEventID != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM stream_events WHERE stream_id = $1 AND event_id = $2`,
			streamID, afterEventID,
		).Scan(&afterSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrCursorInvalid(streamID, afterEventID)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, seq, prev_event_id, envelope, payload, committed_at
		FROM stream_events
		WHERE stream_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		streamID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list stream events: %w", err)
	}
	defer rows.Close()

	var out []models.StreamRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// HeadSeq returns the stream's current highest seq (0 for an empty stream).
func (s *Store) HeadSeq(ctx context.Context, streamID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM stream_events WHERE stream_id = $1`, streamID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("stream head: %w", err)
	}
	return seq, nil
}

// DeleteBefore removes non-audit records older than the cutoff from a
// storage class. Only the retention janitor calls this, and every sweep is
// recorded in the audit chain.
func (s *Store) DeleteBefore(ctx context.Context, class models.StorageClass, cutoff time.Time) (int64, error) {
	if class == models.StorageAudit {
		return 0, fmt.Errorf("audit records are not deletable through retention")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stream_events
		WHERE committed_at < $1 AND envelope->>'storage_class' = $2`,
		cutoff, string(class))
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.StreamRecord, error) {
	var rec models.StreamRecord
	var envJSON, payloadJSON []byte
	if err := row.Scan(&rec.StreamID, &rec.Seq, &rec.PrevEventID, &envJSON, &payloadJSON, &rec.CommittedAt); err != nil {
		return nil, fmt.Errorf("scan stream record: %w", err)
	}
	if err := json.Unmarshal(envJSON, &rec.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &rec, nil
}

// notifyJSON serializes a record for NOTIFY, truncating to routing fields
// when the full record exceeds the NOTIFY limit.
func notifyJSON(rec *models.StreamRecord) (string, error) {
	full, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}
	truncated, err := json.Marshal(map[string]any{
		"stream_id": rec.StreamID,
		"seq":       rec.Seq,
		"event_id":  rec.Envelope.EventID,
		"truncated": true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal truncated notify payload: %w", err)
	}
	return string(truncated), nil
}
