package backend

import (
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/enginekit/substrate/pkg/models"
)

// Factory constructs storage adapters from resolved routes and caches them.
// The cache key includes the route's UpdatedAt, so a route switch naturally
// evicts the stale adapter on the next request.
type Factory struct {
	controlDB *sql.DB

	mu    sync.Mutex
	cache map[string]any
}

// NewFactory creates a factory. controlDB serves every postgres-backed route
// whose config carries no dsn of its own.
func NewFactory(controlDB *sql.DB) *Factory {
	return &Factory{
		controlDB: controlDB,
		cache:     make(map[string]any),
	}
}

func adapterKey(route *models.ResourceRoute) string {
	return route.ID + "@" + route.UpdatedAt.Format(time.RFC3339Nano)
}

// scopePrefix isolates tenants sharing a physical backend. Filesystem
// adapters use the path form; key/value adapters use the flat form.
func scopePrefix(route *models.ResourceRoute) string {
	p := route.ProjectID
	if p == "" {
		p = "_"
	}
	return route.TenantID + ":" + string(route.Env) + ":" + p + ":"
}

func scopePath(route *models.ResourceRoute) string {
	p := route.ProjectID
	if p == "" {
		p = "_"
	}
	return filepath.Join(route.TenantID, string(route.Env), p)
}

// get returns the cached adapter for a route or builds one, evicting any
// older build of the same route.
func (f *Factory) get(route *models.ResourceRoute, build func() (any, error)) (any, error) {
	key := adapterKey(route)
	f.mu.Lock()
	defer f.mu.Unlock()

	if adapter, ok := f.cache[key]; ok {
		return adapter, nil
	}

	// Evict stale builds of this route id.
	for k, v := range f.cache {
		if len(k) > len(route.ID) && k[:len(route.ID)] == route.ID {
			if closer, ok := v.(io.Closer); ok {
				_ = closer.Close()
			}
			delete(f.cache, k)
		}
	}

	adapter, err := build()
	if err != nil {
		return nil, err
	}
	f.cache[key] = adapter
	return adapter, nil
}

// ObjectStore returns the blob adapter for a resolved object_store route.
func (f *Factory) ObjectStore(route *models.ResourceRoute) (ObjectStore, error) {
	adapter, err := f.get(route, func() (any, error) {
		switch route.BackendType {
		case "postgres":
			return &postgresObjectStore{db: f.controlDB, prefix: scopePrefix(route)}, nil
		case "filesystem":
			return newFilesystemObjectStore(route.Config, scopePath(route))
		default:
			return nil, fmt.Errorf("object_store backend %q is not supported", route.BackendType)
		}
	})
	if err != nil {
		return nil, models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	return adapter.(ObjectStore), nil
}

// TabularStore returns the record adapter for a resolved tabular_store route.
func (f *Factory) TabularStore(route *models.ResourceRoute) (TabularStore, error) {
	adapter, err := f.get(route, func() (any, error) {
		switch route.BackendType {
		case "postgres":
			return &postgresTabularStore{db: f.controlDB, prefix: scopePrefix(route)}, nil
		default:
			return nil, fmt.Errorf("tabular_store backend %q is not supported", route.BackendType)
		}
	})
	if err != nil {
		return nil, models.ErrBackendUnavailable(models.KindTabularStore, err)
	}
	return adapter.(TabularStore), nil
}

// MemoryStore returns the ephemeral adapter for a resolved memory_store route.
func (f *Factory) MemoryStore(route *models.ResourceRoute) (MemoryStore, error) {
	adapter, err := f.get(route, func() (any, error) {
		switch route.BackendType {
		case "redis":
			return newRedisMemoryStore(route.Config, scopePrefix(route))
		case "in_memory":
			return newInMemoryStore(), nil
		default:
			return nil, fmt.Errorf("memory_store backend %q is not supported", route.BackendType)
		}
	})
	if err != nil {
		return nil, models.ErrBackendUnavailable(models.KindMemoryStore, err)
	}
	return adapter.(MemoryStore), nil
}

// AnalyticsStore returns the ingest adapter for a resolved analytics_store route.
func (f *Factory) AnalyticsStore(route *models.ResourceRoute) (AnalyticsStore, error) {
	adapter, err := f.get(route, func() (any, error) {
		switch route.BackendType {
		case "postgres":
			return &postgresAnalyticsStore{db: f.controlDB}, nil
		default:
			return nil, fmt.Errorf("analytics_store backend %q is not supported", route.BackendType)
		}
	})
	if err != nil {
		return nil, models.ErrBackendUnavailable(models.KindAnalyticsStore, err)
	}
	return adapter.(AnalyticsStore), nil
}

// Close releases every cached adapter holding external resources.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.cache {
		if closer, ok := v.(io.Closer); ok {
			_ = closer.Close()
		}
		delete(f.cache, k)
	}
}
