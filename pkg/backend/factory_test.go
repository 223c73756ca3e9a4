package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
)

func memoryRoute(id string, updatedAt time.Time) *models.ResourceRoute {
	return &models.ResourceRoute{
		ID:           id,
		ResourceKind: models.KindMemoryStore,
		TenantID:     "t_acme",
		Env:          models.EnvDev,
		BackendType:  "in_memory",
		UpdatedAt:    updatedAt,
	}
}

func TestFactory_CachesPerRouteVersion(t *testing.T) {
	f := NewFactory(nil)
	t.Cleanup(f.Close)
	ctx := context.Background()

	route := memoryRoute("route-1", time.Now())
	store, err := f.MemoryStore(route)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))

	// Same route version returns the same adapter (state is visible).
	again, err := f.MemoryStore(route)
	require.NoError(t, err)
	value, found, err := again.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestFactory_RouteSwitchEvictsStaleAdapter(t *testing.T) {
	f := NewFactory(nil)
	t.Cleanup(f.Close)
	ctx := context.Background()

	old := memoryRoute("route-1", time.Now())
	store, err := f.MemoryStore(old)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))

	// The route was updated: a fresh adapter is built, the old one dropped.
	updated := memoryRoute("route-1", old.UpdatedAt.Add(time.Minute))
	fresh, err := f.MemoryStore(updated)
	require.NoError(t, err)
	_, found, err := fresh.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFactory_UnsupportedBackend(t *testing.T) {
	f := NewFactory(nil)
	t.Cleanup(f.Close)

	route := memoryRoute("route-1", time.Now())
	route.BackendType = "carrier_pigeon"
	_, err := f.MemoryStore(route)
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, "backend.backend_unavailable", derr.Code)
	assert.Equal(t, models.KindMemoryStore, derr.ResourceKind)
}

func TestFilesystemObjectStore(t *testing.T) {
	root := t.TempDir()
	f := NewFactory(nil)
	t.Cleanup(f.Close)
	ctx := context.Background()

	route := &models.ResourceRoute{
		ID:           "route-fs",
		ResourceKind: models.KindObjectStore,
		TenantID:     "t_acme",
		Env:          models.EnvDev,
		ProjectID:    "proj-1",
		BackendType:  "filesystem",
		Config:       map[string]string{"root": root},
		UpdatedAt:    time.Now(),
	}

	store, err := f.ObjectStore(route)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "docs/readme.txt", []byte("hello"), "text/plain"))

	content, contentType, err := store.Get(ctx, "docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)
	assert.Equal(t, "text/plain", contentType)

	require.NoError(t, store.Delete(ctx, "docs/readme.txt"))
	_, _, err = store.Get(ctx, "docs/readme.txt")
	derr, ok := models.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, 404, derr.Status)
}

func TestFilesystemObjectStore_ExistsAndList(t *testing.T) {
	root := t.TempDir()
	store, err := newFilesystemObjectStore(map[string]string{"root": root}, "t_acme/dev/_")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "docs/a.txt", []byte("a"), "text/plain"))
	require.NoError(t, store.Put(ctx, "docs/b.txt", []byte("b"), "text/plain"))
	require.NoError(t, store.Put(ctx, "docs/c.txt", []byte("c"), "text/plain"))
	require.NoError(t, store.Put(ctx, "images/logo.png", []byte{1}, "image/png"))

	found, err := store.Exists(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.Exists(ctx, "docs/z.txt")
	require.NoError(t, err)
	assert.False(t, found)

	// Prefix listing skips the content-type sidecars and other prefixes.
	keys, next, err := store.List(ctx, "docs/", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Equal(t, []string{"docs/a.txt", "docs/b.txt", "docs/c.txt"}, keys)

	// Cursor pagination resumes after the last key of the previous page.
	keys, next, err = store.List(ctx, "docs/", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.txt", "docs/b.txt"}, keys)
	require.Equal(t, "docs/b.txt", next)

	keys, next, err = store.List(ctx, "docs/", next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/c.txt"}, keys)
	assert.Empty(t, next)
}

func TestInMemoryStore_TTL(t *testing.T) {
	store := newInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("x"), time.Millisecond))
	require.NoError(t, store.Set(ctx, "forever", []byte("y"), 0))

	time.Sleep(5 * time.Millisecond)

	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found, "expired entries are gone")

	_, found, err = store.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, found)
}
