package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// substrateYAMLConfig is the complete substrate.yaml file structure.
type substrateYAMLConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	Auth      *AuthConfig      `yaml:"auth"`
	Routing   *RoutingConfig   `yaml:"routing"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load substrate.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user values over built-in defaults
//  4. Resolve secrets from the environment
//  5. Validate everything; any failure aborts startup
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"listen_addr", cfg.Server.ListenAddr,
		"required_kinds", len(cfg.Routing.RequiredKinds),
		"bootstrap_routes", len(cfg.Routing.Bootstrap))
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var yamlCfg substrateYAMLConfig
	if err := loadYAML(configDir, "substrate.yaml", &yamlCfg); err != nil {
		return nil, NewLoadError("substrate.yaml", err)
	}

	server := DefaultServerConfig()
	if yamlCfg.Server != nil {
		if err := mergo.Merge(server, yamlCfg.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}

	routing := DefaultRoutingConfig()
	if yamlCfg.Routing != nil {
		if len(yamlCfg.Routing.RequiredKinds) > 0 {
			routing.RequiredKinds = yamlCfg.Routing.RequiredKinds
		}
		routing.Bootstrap = yamlCfg.Routing.Bootstrap
	}

	retention := DefaultRetentionConfig()
	if yamlCfg.Retention != nil {
		if err := mergo.Merge(retention, yamlCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	auth := &AuthConfig{JWTSecretEnv: "SUBSTRATE_JWT_SECRET"}
	if yamlCfg.Auth != nil {
		if yamlCfg.Auth.JWTSecretEnv != "" {
			auth.JWTSecretEnv = yamlCfg.Auth.JWTSecretEnv
		}
		auth.LegacyQueryScope = yamlCfg.Auth.LegacyQueryScope
	}
	auth.JWTSecret = os.Getenv(auth.JWTSecretEnv)

	return &Config{
		configDir: configDir,
		Server:    server,
		Auth:      auth,
		Routing:   routing,
		Retention: retention,
	}, nil
}

func loadYAML(configDir, filename string, target any) error {
	path := filepath.Join(configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
