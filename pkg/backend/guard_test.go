package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
)

func TestForbiddenClass(t *testing.T) {
	tests := []struct {
		backendType string
		forbidden   bool
	}{
		{"filesystem", true},
		{"in_memory", true},
		{"noop", true},
		{"local", true},
		{"tmp", true},
		{"localhost-redis", true},
		{"  Filesystem  ", true}, // matching is case and whitespace tolerant
		{"postgres", false},
		{"redis", false},
		{"s3", false},
		{"localhost", false}, // prefix rule requires the dash
	}
	for _, tt := range tests {
		assert.Equal(t, tt.forbidden, ForbiddenClass(tt.backendType), tt.backendType)
	}
}

func TestCheckClass(t *testing.T) {
	tests := []struct {
		name        string
		kind        models.ResourceKind
		backendType string
		tenantID    string
		mode        models.Mode
		wantErr     bool
	}{
		{"durable backend always passes", models.KindObjectStore, "postgres", "t_acme", models.ModeSaaS, false},
		{"saas rejects filesystem", models.KindObjectStore, "filesystem", "t_acme", models.ModeSaaS, true},
		{"enterprise rejects in_memory", models.KindMemoryStore, "in_memory", "t_acme", models.ModeEnterprise, true},
		{"lab tolerates filesystem", models.KindObjectStore, "filesystem", "t_acme", models.ModeLab, false},
		{"lab tolerates localhost prefix", models.KindMemoryStore, "localhost-redis", "t_acme", models.ModeLab, false},
		{"system tenant rejects even in lab", models.KindObjectStore, "filesystem", models.SystemTenant, models.ModeLab, true},
		{"routing registry rejects forbidden class in every mode", models.KindRoutingRegistry, "in_memory", "t_acme", models.ModeLab, true},
		{"routing registry on postgres passes", models.KindRoutingRegistry, "postgres", "t_acme", models.ModeLab, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckClass(tt.kind, tt.backendType, tt.tenantID, tt.mode)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			derr, ok := models.AsDomainError(err)
			require.True(t, ok)
			assert.Equal(t, "backend.forbidden_backend_class", derr.Code)
			assert.Equal(t, 403, derr.Status)
			assert.Equal(t, tt.kind, derr.ResourceKind)
		})
	}
}
