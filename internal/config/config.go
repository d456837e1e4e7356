// Package config loads the verifier configuration.
//
// Defaults are embedded (default.yaml) and describe the optimised list
// variant. A config file is decoded on top of the defaults, so it only
// needs the keys it changes. Command line flags are applied by the caller
// after Load.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/listverifier/internal/probe"
	"github.com/kolkov/listverifier/internal/verify/layout"
)

// MaxFileSize caps a config file.
const MaxFileSize = 1 << 20

// SupportedMajor is the config schema major version this build reads.
const SupportedMajor = "v1"

// ErrUnsupportedVersion is returned for a config written for another schema.
var ErrUnsupportedVersion = errors.New("config: unsupported version")

//go:embed default.yaml
var defaultYAML []byte

// Config is the complete verifier configuration.
type Config struct {
	Version string       `yaml:"version"`
	Target  TargetConfig `yaml:"target"`
	Probe   ProbeConfig  `yaml:"probe"`
	Layout  LayoutConfig `yaml:"layout"`
	Verify  VerifyConfig `yaml:"verify"`
	Report  ReportConfig `yaml:"report"`
	Log     LogConfig    `yaml:"log"`
}

// TargetConfig names the program under test.
type TargetConfig struct {
	Binary string `yaml:"binary"`
	PID    int    `yaml:"pid"`
}

// ProbeConfig says where to install probes.
type ProbeConfig struct {
	// Object is the compiled BPF object.
	Object string `yaml:"object"`
	// Workers is the number of event handler goroutines; 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`
	// Probes maps logical probe names to symbols or code offsets.
	Probes map[string]probe.Location `yaml:"probes"`
}

// LayoutConfig selects the node layout: a built-in variant, optionally
// with individual offsets overridden.
type LayoutConfig struct {
	Variant     string  `yaml:"variant"`
	ValueOffset *uint64 `yaml:"value_offset,omitempty"`
	NextOffset  *uint64 `yaml:"next_offset,omitempty"`
	NodeSize    *uint64 `yaml:"node_size,omitempty"`
}

// VerifyConfig tunes the checks.
type VerifyConfig struct {
	Throttle          time.Duration `yaml:"throttle"`
	TraversalBound    int           `yaml:"traversal_bound"`
	PredecessorDepth  int           `yaml:"predecessor_depth"`
	DeleteReturnsVoid bool          `yaml:"delete_returns_void"`
	// InitialLength seeds the expected length when attaching to a list
	// that already holds elements.
	InitialLength *int64 `yaml:"initial_length,omitempty"`
}

// ReportConfig says where results go.
type ReportConfig struct {
	// CSV is a file that accumulates one summary row per run.
	CSV string `yaml:"csv"`
	// HistoryDir is a badger directory storing full run summaries.
	HistoryDir string `yaml:"history_dir"`
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogConfig configures the diagnostic log.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the embedded defaults.
func Default() *Config {
	cfg := &Config{}
	if err := decode(bytes.NewReader(defaultYAML), cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("config %s exceeds %d bytes", path, MaxFileSize)
	}

	cfg := Default()
	if err := decode(bytes.NewReader(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrUnsupportedVersion, c.Version)
	}
	if major := semver.Major(c.Version); major != SupportedMajor {
		return fmt.Errorf("%w: %s, want %s.x", ErrUnsupportedVersion, c.Version, SupportedMajor)
	}

	if _, err := c.NodeLayout(); err != nil {
		return err
	}
	if err := probe.Validate(c.Probe.Probes); err != nil {
		return err
	}
	if c.Probe.Workers < 0 {
		return fmt.Errorf("config: probe.workers %d is negative", c.Probe.Workers)
	}

	v := c.Verify
	if v.Throttle < 0 {
		return fmt.Errorf("config: verify.throttle %s is negative", v.Throttle)
	}
	if v.TraversalBound <= 0 {
		return fmt.Errorf("config: verify.traversal_bound must be positive, got %d", v.TraversalBound)
	}
	if v.PredecessorDepth <= 0 || v.PredecessorDepth > probe.MaxScanDepth {
		return fmt.Errorf("config: verify.predecessor_depth %d outside [1,%d]", v.PredecessorDepth, probe.MaxScanDepth)
	}
	if v.InitialLength != nil && *v.InitialLength < 0 {
		return fmt.Errorf("config: verify.initial_length %d is negative", *v.InitialLength)
	}
	if c.Target.PID < 0 {
		return fmt.Errorf("config: target.pid %d is negative", c.Target.PID)
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// NodeLayout resolves the layout section.
func (c *Config) NodeLayout() (layout.Layout, error) {
	l, err := layout.ForVariant(c.Layout.Variant)
	if err != nil {
		return layout.Layout{}, fmt.Errorf("config: %w", err)
	}
	if c.Layout.ValueOffset != nil {
		l.ValueOffset = *c.Layout.ValueOffset
	}
	if c.Layout.NextOffset != nil {
		l.NextOffset = *c.Layout.NextOffset
	}
	if c.Layout.NodeSize != nil {
		l.NodeSize = *c.Layout.NodeSize
	}
	if err := l.Validate(); err != nil {
		return layout.Layout{}, fmt.Errorf("config: %w", err)
	}
	return l, nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
