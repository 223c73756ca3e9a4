// Package backend selects and constructs physical storage adapters from
// resolved routes, and enforces the backend-class guard that keeps
// non-durable backends out of sellable deployments.
package backend

import (
	"strings"

	"github.com/enginekit/substrate/pkg/models"
)

// forbiddenClasses are backend types that never serve sellable (saas,
// enterprise) traffic. Matching is exact except localhost-*, which is a
// prefix match.
var forbiddenClasses = map[string]bool{
	"filesystem": true,
	"in_memory":  true,
	"noop":       true,
	"local":      true,
	"tmp":        true,
}

const localhostPrefix = "localhost-"

// ForbiddenClass reports whether a backend type belongs to the non-durable
// class list, independent of mode.
func ForbiddenClass(backendType string) bool {
	bt := strings.ToLower(strings.TrimSpace(backendType))
	return forbiddenClasses[bt] || strings.HasPrefix(bt, localhostPrefix)
}

// CheckClass enforces the guard for one resolved route. Sellable modes and
// the system tenant reject every forbidden class. Lab tolerates them for
// local development, with one exception: the routing registry itself must
// be durable in every mode, otherwise the control plane cannot be trusted
// to know where anything else lives.
func CheckClass(kind models.ResourceKind, backendType string, tenantID string, mode models.Mode) error {
	if !ForbiddenClass(backendType) {
		return nil
	}
	if kind == models.KindRoutingRegistry {
		return models.ErrForbiddenBackendClass(kind, backendType, mode)
	}
	if mode.Sellable() || tenantID == models.SystemTenant {
		return models.ErrForbiddenBackendClass(kind, backendType, mode)
	}
	return nil
}
