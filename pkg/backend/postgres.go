package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/enginekit/substrate/pkg/models"
)

// postgresObjectStore keeps blobs in the objects table of the routed
// database. Fine for configuration artifacts and small payloads; routes
// point large-object tenants at a real blob backend instead.
type postgresObjectStore struct {
	db     *sql.DB
	prefix string
}

func (s *postgresObjectStore) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (store_key, content, content_type, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (store_key) DO UPDATE
		SET content = EXCLUDED.content, content_type = EXCLUDED.content_type, updated_at = now()`,
		s.prefix+key, content, contentType)
	if err != nil {
		return models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	return nil
}

func (s *postgresObjectStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	var content []byte
	var contentType string
	err := s.db.QueryRowContext(ctx,
		`SELECT content, content_type FROM objects WHERE store_key = $1`,
		s.prefix+key).Scan(&content, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", models.ErrNotFound("object_store", key)
	}
	if err != nil {
		return nil, "", models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	return content, contentType, nil
}

func (s *postgresObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM objects WHERE store_key = $1)`,
		s.prefix+key).Scan(&exists)
	if err != nil {
		return false, models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	return exists, nil
}

func (s *postgresObjectStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_key FROM objects
		WHERE store_key LIKE $1 AND store_key > $2
		ORDER BY store_key
		LIMIT $3`,
		likePrefix(s.prefix+prefix), s.prefix+cursor, limit)
	if err != nil {
		return nil, "", models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, "", err
		}
		keys = append(keys, strings.TrimPrefix(key, s.prefix))
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

func (s *postgresObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE store_key = $1`, s.prefix+key)
	if err != nil {
		return models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	return nil
}

// postgresTabularStore versions records in the tabular_records table. Each
// put appends version max+1; reads return the newest version.
type postgresTabularStore struct {
	db     *sql.DB
	prefix string
}

func (s *postgresTabularStore) PutRecord(ctx context.Context, table, key string, record map[string]any) (int64, error) {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal tabular record: %w", err)
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tabular_records (table_name, record_key, version, record, updated_at)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, now()
		FROM tabular_records WHERE table_name = $1 AND record_key = $2
		RETURNING version`,
		s.prefix+table, key, recordJSON).Scan(&version)
	if err != nil {
		return 0, models.ErrBackendUnavailable(models.KindTabularStore, err)
	}
	return version, nil
}

// GetRecord reads one record. version 0 returns the newest; any other value
// reads that exact version.
func (s *postgresTabularStore) GetRecord(ctx context.Context, table, key string, version int64) (map[string]any, int64, error) {
	var recordJSON []byte
	var got int64
	var err error
	if version > 0 {
		err = s.db.QueryRowContext(ctx, `
			SELECT record, version FROM tabular_records
			WHERE table_name = $1 AND record_key = $2 AND version = $3`,
			s.prefix+table, key, version).Scan(&recordJSON, &got)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT record, version FROM tabular_records
			WHERE table_name = $1 AND record_key = $2
			ORDER BY version DESC LIMIT 1`,
			s.prefix+table, key).Scan(&recordJSON, &got)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, models.ErrNotFound("tabular_store", table+"/"+key)
	}
	if err != nil {
		return nil, 0, models.ErrBackendUnavailable(models.KindTabularStore, err)
	}
	var record map[string]any
	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return nil, 0, fmt.Errorf("decode tabular record: %w", err)
	}
	return record, got, nil
}

func (s *postgresTabularStore) ListRecords(ctx context.Context, table, prefix, cursor string, limit int) ([]TabularRow, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (record_key) record_key, version, record
		FROM tabular_records
		WHERE table_name = $1 AND record_key LIKE $2 AND record_key > $3
		ORDER BY record_key, version DESC
		LIMIT $4`,
		s.prefix+table, likePrefix(prefix), cursor, limit)
	if err != nil {
		return nil, "", models.ErrBackendUnavailable(models.KindTabularStore, err)
	}
	defer rows.Close()

	var out []TabularRow
	for rows.Next() {
		var row TabularRow
		var recordJSON []byte
		if err := rows.Scan(&row.Key, &row.Version, &recordJSON); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(recordJSON, &row.Record); err != nil {
			return nil, "", fmt.Errorf("decode tabular record: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].Key
	}
	return out, next, nil
}

// likePrefix turns a key prefix into a LIKE pattern, escaping the
// metacharacters so user keys cannot widen the match.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// postgresAnalyticsStore ingests into the analytics_events table.
type postgresAnalyticsStore struct {
	db *sql.DB
}

func (s *postgresAnalyticsStore) Ingest(ctx context.Context, env models.EventEnvelope, payload map[string]any) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("analytics envelope invalid: %w", err)
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal analytics envelope: %w", err)
	}
	var payloadJSON []byte
	if payload != nil {
		if payloadJSON, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal analytics payload: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analytics_events (tenant_id, env, envelope, payload)
		VALUES ($1, $2, $3, $4)`,
		env.TenantID, string(env.Env), envJSON, payloadJSON)
	if err != nil {
		return models.ErrBackendUnavailable(models.KindAnalyticsStore, err)
	}
	return nil
}
