package backend

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
	"github.com/enginekit/substrate/test/util"
)

func TestPostgresObjectStore_ExistsAndList(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	store := &postgresObjectStore{db: db, prefix: "t_acme:dev:_:"}
	other := &postgresObjectStore{db: db, prefix: "t_beta:dev:_:"}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("docs/file-%d.txt", i)
		require.NoError(t, store.Put(ctx, key, []byte("content"), "text/plain"))
	}
	require.NoError(t, store.Put(ctx, "images/logo.png", []byte{1, 2, 3}, "image/png"))
	require.NoError(t, other.Put(ctx, "docs/file-0.txt", []byte("other tenant"), "text/plain"))

	found, err := store.Exists(ctx, "docs/file-0.txt")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.Exists(ctx, "docs/missing.txt")
	require.NoError(t, err)
	assert.False(t, found)

	// Prefix listing stays inside this store's scope.
	keys, next, err := store.List(ctx, "docs/", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Equal(t, []string{
		"docs/file-0.txt", "docs/file-1.txt", "docs/file-2.txt",
		"docs/file-3.txt", "docs/file-4.txt",
	}, keys)

	// Cursor pagination: two pages of three, then exhausted.
	keys, next, err = store.List(ctx, "docs/", "", 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.NotEmpty(t, next)

	keys, next, err = store.List(ctx, "docs/", next, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/file-3.txt", "docs/file-4.txt"}, keys)
	assert.Empty(t, next)
}

func TestPostgresTabularStore_Versions(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	store := &postgresTabularStore{db: db, prefix: "t_acme:dev:_:"}

	v1, err := store.PutRecord(ctx, "agents", "agent-1", map[string]any{"status": "idle"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, err := store.PutRecord(ctx, "agents", "agent-1", map[string]any{"status": "busy"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	// Default read returns the newest version.
	record, version, err := store.GetRecord(ctx, "agents", "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, "busy", record["status"])

	// A pinned version reads that exact write.
	record, version, err = store.GetRecord(ctx, "agents", "agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, "idle", record["status"])

	_, _, err = store.GetRecord(ctx, "agents", "agent-1", 99)
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, 404, derr.Status)
}

func TestPostgresTabularStore_ListByPrefix(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	store := &postgresTabularStore{db: db, prefix: "t_acme:dev:_:"}

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("agent-%d", i)
		_, err := store.PutRecord(ctx, "agents", key, map[string]any{"idx": i})
		require.NoError(t, err)
	}
	// A second version of one record: listings still return it once.
	_, err := store.PutRecord(ctx, "agents", "agent-0", map[string]any{"idx": 0, "updated": true})
	require.NoError(t, err)
	_, err = store.PutRecord(ctx, "agents", "other-1", map[string]any{"idx": 9})
	require.NoError(t, err)

	rows, next, err := store.ListRecords(ctx, "agents", "agent-", "", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.NotEmpty(t, next)
	assert.Equal(t, "agent-0", rows[0].Key)
	assert.Equal(t, int64(2), rows[0].Version, "newest version of each key")

	rows, next, err = store.ListRecords(ctx, "agents", "agent-", next, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "agent-3", rows[0].Key)
	assert.Empty(t, next)
}
