package backend

import (
	"context"
	"time"

	"github.com/enginekit/substrate/pkg/models"
)

// ObjectStore is the blob capability behind the object_store kind. List is
// cursor paginated: pass the cursor from the previous page, an empty next
// cursor means the listing is exhausted.
type ObjectStore interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix, cursor string, limit int) (keys []string, next string, err error)
	Delete(ctx context.Context, key string) error
}

// TabularRow is one record in a tabular listing: the key, its newest
// version, and the record body.
type TabularRow struct {
	Key     string         `json:"key"`
	Version int64          `json:"version"`
	Record  map[string]any `json:"record"`
}

// TabularStore is the versioned record capability behind tabular_store.
// Writes append a new version; GetRecord with version 0 returns the latest,
// any other version reads that exact one. ListRecords pages by key prefix
// and cursor, newest version of each key.
type TabularStore interface {
	PutRecord(ctx context.Context, table, key string, record map[string]any) (int64, error)
	GetRecord(ctx context.Context, table, key string, version int64) (map[string]any, int64, error)
	ListRecords(ctx context.Context, table, prefix, cursor string, limit int) (rows []TabularRow, next string, err error)
}

// MemoryStore is the ephemeral key/value capability behind memory_store.
// Entries expire; this is working memory, not durable state.
type MemoryStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// AnalyticsStore ingests fire-and-forget analytics events.
type AnalyticsStore interface {
	Ingest(ctx context.Context, env models.EventEnvelope, payload map[string]any) error
}
