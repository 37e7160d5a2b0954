package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// ChunkSize is the number of log positions covered by one logical chunk.
	ChunkSize int64        `json:"chunkSize" yaml:"chunkSize"`
	Fsync     string       `json:"fsync" yaml:"fsync"`
	HTTP      HTTPConfig   `json:"http" yaml:"http"`
	Log       LogConfig    `json:"log" yaml:"log"`
	Scavenge  ScavengeConf `json:"scavenge" yaml:"scavenge"`
	Filter    FilterConfig `json:"filter" yaml:"filter"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LogConfig mirrors pkg/log.Config for the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// ScavengeConf holds compaction tunables. ThresholdWeight, CalculatorCommitPeriod
// and CancellationCheckPeriod have no defaults and must be set explicitly.
type ScavengeConf struct {
	// ThresholdWeight is the summed chunk weight above which a physical chunk
	// is rewritten. A negative value rewrites every read-only chunk.
	ThresholdWeight *float64 `json:"thresholdWeight" yaml:"thresholdWeight"`
	// CalculatorCommitPeriod is the number of streams per calculator transaction.
	CalculatorCommitPeriod int `json:"calculatorCommitPeriod" yaml:"calculatorCommitPeriod"`
	// CancellationCheckPeriod is how many streams or records are processed
	// between cancellation checks.
	CancellationCheckPeriod int `json:"cancellationCheckPeriod" yaml:"cancellationCheckPeriod"`

	IndexReadBatchSize      int           `json:"indexReadBatchSize" yaml:"indexReadBatchSize"`
	IndexCommitBatch        int           `json:"indexCommitBatch" yaml:"indexCommitBatch"`
	HashCacheCapacity       int           `json:"hashCacheCapacity" yaml:"hashCacheCapacity"`
	UnsafeIgnoreHardDeletes bool          `json:"unsafeIgnoreHardDeletes" yaml:"unsafeIgnoreHardDeletes"`
	MergeChunks             bool          `json:"mergeChunks" yaml:"mergeChunks"`
	StopAtLightChunk        bool          `json:"stopAtLightChunk" yaml:"stopAtLightChunk"`
	ChunkThrottle           time.Duration `json:"chunkThrottle" yaml:"chunkThrottle"`
}

// FilterConfig sizes the stream existence filter.
type FilterConfig struct {
	Capacity                 uint          `json:"capacity" yaml:"capacity"`
	FalsePositiveProbability float64       `json:"falsePositiveProbability" yaml:"falsePositiveProbability"`
	FlushInterval            time.Duration `json:"flushInterval" yaml:"flushInterval"`
	UseHashes                bool          `json:"useHashes" yaml:"useHashes"`
}

// Default returns built-in defaults. The required scavenge fields stay unset.
func Default() Config {
	return Config{
		ChunkSize: 256 << 20,
		Fsync:     "always",
		HTTP:      HTTPConfig{Addr: ":2113"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Scavenge: ScavengeConf{
			IndexReadBatchSize: 100,
			IndexCommitBatch:   1024,
			HashCacheCapacity:  100_000,
			MergeChunks:        true,
			StopAtLightChunk:   true,
		},
		Filter: FilterConfig{
			Capacity:                 1_000_000,
			FalsePositiveProbability: 0.01,
			FlushInterval:            time.Second,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// ErrMissing is returned by Validate when a required setting is absent.
var ErrMissing = errors.New("required setting missing")

// Validate checks required settings and value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunkSize must be positive, got %d", c.ChunkSize))
	}
	if c.Scavenge.ThresholdWeight == nil {
		errs = append(errs, fmt.Errorf("scavenge.thresholdWeight: %w", ErrMissing))
	}
	if c.Scavenge.CalculatorCommitPeriod <= 0 {
		errs = append(errs, fmt.Errorf("scavenge.calculatorCommitPeriod: %w", ErrMissing))
	}
	if c.Scavenge.CancellationCheckPeriod <= 0 {
		errs = append(errs, fmt.Errorf("scavenge.cancellationCheckPeriod: %w", ErrMissing))
	}
	if c.Scavenge.IndexReadBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("scavenge.indexReadBatchSize must be positive"))
	}
	if p := c.Filter.FalsePositiveProbability; p <= 0 || p >= 1 {
		errs = append(errs, fmt.Errorf("filter.falsePositiveProbability must be in (0,1), got %v", p))
	}
	if c.Filter.Capacity == 0 {
		errs = append(errs, fmt.Errorf("filter.capacity must be positive"))
	}
	switch c.Fsync {
	case "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("fsync must be always|interval|never, got %q", c.Fsync))
	}
	return errors.Join(errs...)
}

// Threshold returns the configured weight threshold, or 0 when unset.
func (s ScavengeConf) Threshold() float64 {
	if s.ThresholdWeight == nil {
		return 0
	}
	return *s.ThresholdWeight
}

// Float is a helper for building a *float64 setting in code and tests.
func Float(v float64) *float64 { return &v }
