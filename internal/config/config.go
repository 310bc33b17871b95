// Package config loads and validates the engine configuration from
// defaults, an optional YAML file, and BIOENGINE_-prefixed environment
// variables, in ascending precedence.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full engine configuration.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Logging    Logging    `mapstructure:"logging"`
	Workers    Workers    `mapstructure:"workers"`
	Annotation Annotation `mapstructure:"annotation"`
	Tools      Tools      `mapstructure:"tools"`
	Data       Data       `mapstructure:"data"`
}

// Server configures the HTTP listener.
type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Logging configures the process loggers.
type Logging struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// Workers configures the scheduler pool and retry behavior.
type Workers struct {
	Count        int           `mapstructure:"count"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// DefaultTimeout bounds job execution for kinds without a specific
	// timeout. Zero means unbounded.
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	AlignmentTimeout   time.Duration `mapstructure:"alignment_timeout"`
	VariantCallTimeout time.Duration `mapstructure:"variant_call_timeout"`
	AnnotationTimeout  time.Duration `mapstructure:"annotation_timeout"`
}

// Annotation configures the remote annotation sources.
type Annotation struct {
	// BaseURL is the consequence-prediction service root.
	BaseURL string `mapstructure:"base_url"`

	// RecoderURL is the nomenclature/recoder service root. Defaults to
	// BaseURL when empty.
	RecoderURL string `mapstructure:"recoder_url"`

	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// RateLimit caps requests per second per source. Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`

	// FallbackEnabled wires the recode-then-annotate fallback source into
	// the reconciler.
	FallbackEnabled bool `mapstructure:"fallback_enabled"`
}

// Tools configures the external toolchain.
type Tools struct {
	// Manifest is an optional path to a tool contract file overriding the
	// stock tracy/samtools defaults.
	Manifest string `mapstructure:"manifest"`

	// WorkDir is the parent for per-invocation working directories.
	// Empty means the OS temp dir.
	WorkDir string `mapstructure:"work_dir"`
}

// Data configures on-disk state.
type Data struct {
	// Dir is the root for reference caches and job snapshots.
	Dir string `mapstructure:"dir"`

	// ReferenceFetchURL is the template for fetching reference sequences
	// by accession; %s is replaced with the accession.
	ReferenceFetchURL string `mapstructure:"reference_fetch_url"`

	// IndexThreshold is the reference size in bytes at which indexing is
	// required before alignment.
	IndexThreshold int64 `mapstructure:"index_threshold"`

	// Snapshots persists job records under Dir when true.
	Snapshots bool `mapstructure:"snapshots"`
}

// Validate checks invariants the loader cannot express as defaults.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Workers.MaxRetries < 0 {
		return fmt.Errorf("workers.max_retries must not be negative")
	}
	if strings.TrimSpace(c.Annotation.BaseURL) == "" {
		return fmt.Errorf("annotation.base_url is required")
	}
	if c.Annotation.BatchSize <= 0 {
		return fmt.Errorf("annotation.batch_size must be positive, got %d", c.Annotation.BatchSize)
	}
	if strings.TrimSpace(c.Data.Dir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	return nil
}
