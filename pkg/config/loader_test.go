package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginekit/substrate/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "substrate.yaml"), []byte(content), 0o600))
	return dir
}

func TestInitialize_DefaultsApplied(t *testing.T) {
	dir := writeConfig(t, "server:\n  listen_addr: \":9090\"\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout, "unset fields keep defaults")
	assert.Equal(t, models.EnvDev, cfg.DefaultEnv())
	assert.Equal(t, 12*time.Hour, cfg.Retention.SweepInterval)
	assert.Contains(t, cfg.Routing.RequiredKinds, models.KindRoutingRegistry)
}

func TestInitialize_MissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := writeConfig(t, "server: [not a mapping")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("SUBSTRATE_TEST_ADDR", ":7070")
	dir := writeConfig(t, "server:\n  listen_addr: \"{{.SUBSTRATE_TEST_ADDR}}\"\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
}

func TestInitialize_JWTSecretFromEnv(t *testing.T) {
	t.Setenv("MY_SECRET_VAR", "hunter2")
	dir := writeConfig(t, "auth:\n  jwt_secret_env: MY_SECRET_VAR\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Auth.JWTSecret)
}

func TestInitialize_RoutingOverrides(t *testing.T) {
	dir := writeConfig(t, `
routing:
  required_kinds:
    - routing_registry
    - event_stream
  bootstrap:
    - resource_kind: event_stream
      tenant_id: t_system
      env: prod
      backend_type: postgres
      required: true
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []models.ResourceKind{models.KindRoutingRegistry, models.KindEventStream}, cfg.Routing.RequiredKinds)
	require.Len(t, cfg.Routing.Bootstrap, 1)
	assert.Equal(t, models.KindEventStream, cfg.Routing.Bootstrap[0].ResourceKind)
	assert.True(t, cfg.Routing.Bootstrap[0].Required)
}

func TestInitialize_ValidationFailuresAccumulate(t *testing.T) {
	dir := writeConfig(t, `
server:
  default_env: qa
routing:
  required_kinds:
    - warp_drive
  bootstrap:
    - resource_kind: event_stream
      tenant_id: ""
      env: prod
      backend_type: postgres
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_env")
	assert.Contains(t, err.Error(), "warp_drive")
	assert.Contains(t, err.Error(), "tenant_id")
}

func TestInitialize_RetentionOverride(t *testing.T) {
	dir := writeConfig(t, "retention:\n  sweep_interval: 1h\n  metric_ttl: 168h\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Retention.SweepInterval)
	assert.Equal(t, 168*time.Hour, cfg.Retention.MetricTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.OpsTTL, "untouched TTLs keep defaults")
}
