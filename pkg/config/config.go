// Package config loads and validates the substrate's YAML configuration.
// Configuration is fail-fast: a process with an invalid or incomplete
// config never starts serving.
package config

import (
	"time"

	"github.com/enginekit/substrate/pkg/models"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	Server    *ServerConfig
	Auth      *AuthConfig
	Routing   *RoutingConfig
	Retention *RetentionConfig
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	AllowedWSOrigins []string      `yaml:"allowed_ws_origins"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	DefaultEnv       string        `yaml:"default_env"`
}

// AuthConfig holds bearer-token settings. The secret itself always comes
// from the environment, never from YAML.
type AuthConfig struct {
	// JWTSecretEnv names the environment variable carrying the HMAC secret.
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	// JWTSecret is resolved from JWTSecretEnv at load time.
	JWTSecret string `yaml:"-"`
	// LegacyQueryScope accepts tenant/project from query parameters for
	// transitional clients. Header and token values still win.
	LegacyQueryScope bool `yaml:"legacy_query_scope"`
}

// RoutingConfig holds registry boot settings.
type RoutingConfig struct {
	// RequiredKinds must resolve for t_system at startup or the process exits.
	RequiredKinds []models.ResourceKind `yaml:"required_kinds"`
	// Bootstrap routes are upserted at startup before validation, so a fresh
	// deployment can describe its system defaults in YAML.
	Bootstrap []models.UpsertRouteRequest `yaml:"bootstrap"`
}

// DefaultEnv returns the configured default environment, already normalized.
func (c *Config) DefaultEnv() models.Env {
	if c.Server != nil {
		if env, ok := models.NormalizeEnv(c.Server.DefaultEnv); ok {
			return env
		}
	}
	return models.EnvDev
}

// ConfigDir returns the directory this config was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:     ":8080",
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
		DefaultEnv:     "dev",
	}
}

// DefaultRoutingConfig returns the built-in required kind set: the kinds the
// substrate itself cannot run without.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		RequiredKinds: []models.ResourceKind{
			models.KindRoutingRegistry,
			models.KindEventStream,
			models.KindBlackboardStore,
			models.KindAuditStore,
		},
	}
}
