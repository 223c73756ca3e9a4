package config

import (
	"time"

	"github.com/enginekit/substrate/pkg/models"
)

// RetentionConfig controls the retention janitor. TTLs are per storage
// class; the audit class has no TTL and is never swept.
type RetentionConfig struct {
	OpsTTL    time.Duration `yaml:"ops_ttl"`
	StreamTTL time.Duration `yaml:"stream_ttl"`
	CostTTL   time.Duration `yaml:"cost_ttl"`
	MetricTTL time.Duration `yaml:"metric_ttl"`

	// SweepInterval is how often the janitor loop runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		OpsTTL:        90 * 24 * time.Hour,
		StreamTTL:     365 * 24 * time.Hour,
		CostTTL:       400 * 24 * time.Hour,
		MetricTTL:     30 * 24 * time.Hour,
		SweepInterval: 12 * time.Hour,
	}
}

// ClassTTLs returns the sweepable classes and their TTLs. Zero TTL disables
// the sweep for that class.
func (c *RetentionConfig) ClassTTLs() map[models.StorageClass]time.Duration {
	return map[models.StorageClass]time.Duration{
		models.StorageOps:    c.OpsTTL,
		models.StorageStream: c.StreamTTL,
		models.StorageCost:   c.CostTTL,
		models.StorageMetric: c.MetricTTL,
	}
}
