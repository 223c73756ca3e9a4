// Package blackboard implements the versioned shared key/value store used by
// collaborating agents. Writes are optimistic: the caller proves it saw the
// latest version, and a stale expectation is rejected with the current
// version so the caller can re-read and retry.
package blackboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/enginekit/substrate/pkg/models"
)

const uniqueViolation = "23505"

// Service persists blackboard entries on the routed blackboard backend.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewService creates a blackboard service over the given database.
func NewService(db *sql.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

// Write creates version expected+1 of a key. A nil ExpectedVersion means
// "create": it only succeeds when the key does not exist yet. A stale
// expectation returns version_conflict with the current version attached.
func (s *Service) Write(ctx context.Context, actor string, req models.BlackboardWriteRequest) (*models.BlackboardEntry, error) {
	if req.StreamKey == "" || req.Key == "" {
		return nil, &models.DomainError{
			Code:    "blackboard.invalid_request",
			Status:  400,
			Message: "stream_key and key are required",
		}
	}

	expected := int64(0)
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
		if expected < 0 {
			return nil, &models.DomainError{
				Code:    "blackboard.invalid_request",
				Status:  400,
				Message: "expected_version must be >= 0",
			}
		}
	}

	current, found, err := s.currentVersion(ctx, req.StreamKey, req.Key)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion == nil && found {
		return nil, models.ErrVersionConflict(0, current)
	}
	if req.ExpectedVersion != nil && current != expected {
		return nil, models.ErrVersionConflict(expected, current)
	}

	valueJSON, err := json.Marshal(req.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal blackboard value: %w", err)
	}

	now := time.Now().UTC()
	entry := &models.BlackboardEntry{
		StreamKey: req.StreamKey,
		Key:       req.Key,
		Version:   expected + 1,
		Value:     req.Value,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedBy: actor,
		UpdatedAt: now,
	}
	if found {
		prev, err := s.getVersion(ctx, req.StreamKey, req.Key, current)
		if err != nil {
			return nil, err
		}
		entry.CreatedBy = prev.CreatedBy
		entry.CreatedAt = prev.CreatedAt
	}

	// The (stream_key, key, version) primary key arbitrates concurrent
	// writers racing for the same next version: exactly one insert wins.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blackboard_entries (stream_key, key, version, value, created_by, created_at, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.StreamKey, entry.Key, entry.Version, valueJSON,
		entry.CreatedBy, entry.CreatedAt, entry.UpdatedBy, entry.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			latest, _, verr := s.currentVersion(ctx, req.StreamKey, req.Key)
			if verr != nil {
				return nil, verr
			}
			return nil, models.ErrVersionConflict(expected, latest)
		}
		return nil, models.ErrBackendUnavailable(models.KindBlackboardStore, err)
	}

	s.logger.Debug("blackboard write",
		"stream_key", entry.StreamKey, "key", entry.Key, "version", entry.Version)
	return entry, nil
}

// Read returns the latest version of a key. A missing key is Found=false,
// not an error.
func (s *Service) Read(ctx context.Context, streamKey, key string) (*models.BlackboardReadResult, error) {
	current, found, err := s.currentVersion(ctx, streamKey, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return &models.BlackboardReadResult{Found: false}, nil
	}
	entry, err := s.getVersion(ctx, streamKey, key, current)
	if err != nil {
		return nil, err
	}
	return &models.BlackboardReadResult{Found: true, Entry: entry}, nil
}

// ReadVersion returns one specific historical version of a key.
func (s *Service) ReadVersion(ctx context.Context, streamKey, key string, version int64) (*models.BlackboardReadResult, error) {
	entry, err := s.getVersion(ctx, streamKey, key, version)
	if err != nil {
		var derr *models.DomainError
		if errors.As(err, &derr) && derr.Status == 404 {
			return &models.BlackboardReadResult{Found: false}, nil
		}
		return nil, err
	}
	return &models.BlackboardReadResult{Found: true, Entry: entry}, nil
}

// ListKeys returns every key on a blackboard with its latest version.
func (s *Service) ListKeys(ctx context.Context, streamKey string) ([]models.BlackboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (key) stream_key, key, version, value, created_by, created_at, updated_by, updated_at
		FROM blackboard_entries
		WHERE stream_key = $1
		ORDER BY key, version DESC`,
		streamKey)
	if err != nil {
		return nil, models.ErrBackendUnavailable(models.KindBlackboardStore, err)
	}
	defer rows.Close()

	var out []models.BlackboardEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (s *Service) currentVersion(ctx context.Context, streamKey, key string) (int64, bool, error) {
	// MAX over zero rows yields one NULL row, hence NullInt64.
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM blackboard_entries WHERE stream_key = $1 AND key = $2`,
		streamKey, key).Scan(&version)
	if err != nil {
		return 0, false, models.ErrBackendUnavailable(models.KindBlackboardStore, err)
	}
	return version.Int64, version.Valid, nil
}

func (s *Service) getVersion(ctx context.Context, streamKey, key string, version int64) (*models.BlackboardEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_key, key, version, value, created_by, created_at, updated_by, updated_at
		FROM blackboard_entries
		WHERE stream_key = $1 AND key = $2 AND version = $3`,
		streamKey, key, version)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("blackboard", fmt.Sprintf("%s/%s@%d", streamKey, key, version))
	}
	return entry, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.BlackboardEntry, error) {
	var entry models.BlackboardEntry
	var valueJSON []byte
	if err := row.Scan(&entry.StreamKey, &entry.Key, &entry.Version, &valueJSON,
		&entry.CreatedBy, &entry.CreatedAt, &entry.UpdatedBy, &entry.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(valueJSON, &entry.Value); err != nil {
		return nil, fmt.Errorf("decode blackboard value: %w", err)
	}
	return &entry, nil
}
