package config

import (
	"errors"
	"fmt"

	"github.com/enginekit/substrate/pkg/models"
)

// Validator checks a loaded Config before the process starts serving.
type Validator struct {
	cfg    *Config
	errors []error
}

// NewValidator creates a validator for the given config.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check and returns the accumulated failures joined,
// so the operator sees the full list in one pass instead of one per restart.
func (v *Validator) ValidateAll() error {
	v.validateServer()
	v.validateAuth()
	v.validateRouting()
	v.validateRetention()

	if len(v.errors) > 0 {
		return errors.Join(v.errors...)
	}
	return nil
}

func (v *Validator) addError(section, field, message string) {
	v.errors = append(v.errors, &ValidationError{Section: section, Field: field, Message: message})
}

func (v *Validator) validateServer() {
	s := v.cfg.Server
	if s == nil {
		v.addError("server", "", "server section is missing")
		return
	}
	if s.ListenAddr == "" {
		v.addError("server", "listen_addr", "must not be empty")
	}
	if s.WriteTimeout <= 0 {
		v.addError("server", "write_timeout", "must be positive")
	}
	if s.RequestTimeout <= 0 {
		v.addError("server", "request_timeout", "must be positive")
	}
	if _, ok := models.NormalizeEnv(s.DefaultEnv); !ok {
		v.addError("server", "default_env", fmt.Sprintf("unknown environment %q", s.DefaultEnv))
	}
}

func (v *Validator) validateAuth() {
	a := v.cfg.Auth
	if a == nil {
		v.addError("auth", "", "auth section is missing")
		return
	}
	if a.JWTSecretEnv == "" {
		v.addError("auth", "jwt_secret_env", "must name an environment variable")
	}
	// An empty secret is tolerated: lab deployments run unauthenticated and
	// the gates enforce tokens for sellable modes at request time.
}

func (v *Validator) validateRouting() {
	r := v.cfg.Routing
	if r == nil {
		v.addError("routing", "", "routing section is missing")
		return
	}
	if len(r.RequiredKinds) == 0 {
		v.addError("routing", "required_kinds", "must list at least one resource kind")
	}
	for _, kind := range r.RequiredKinds {
		if !kind.IsValid() {
			v.addError("routing", "required_kinds", fmt.Sprintf("unknown resource kind %q", kind))
		}
	}
	for i, b := range r.Bootstrap {
		field := fmt.Sprintf("bootstrap[%d]", i)
		if !b.ResourceKind.IsValid() {
			v.addError("routing", field, fmt.Sprintf("unknown resource kind %q", b.ResourceKind))
		}
		if b.TenantID == "" {
			v.addError("routing", field, "tenant_id is required")
		}
		if _, ok := models.NormalizeEnv(b.Env); !ok {
			v.addError("routing", field, fmt.Sprintf("unknown env %q", b.Env))
		}
		if b.BackendType == "" {
			v.addError("routing", field, "backend_type is required")
		}
	}
}

func (v *Validator) validateRetention() {
	r := v.cfg.Retention
	if r == nil {
		v.addError("retention", "", "retention section is missing")
		return
	}
	if r.SweepInterval <= 0 {
		v.addError("retention", "sweep_interval", "must be positive")
	}
	for class, ttl := range r.ClassTTLs() {
		if ttl < 0 {
			v.addError("retention", string(class)+"_ttl", "must not be negative")
		}
	}
}
