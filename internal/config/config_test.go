package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Scavenge.IndexReadBatchSize != 100 {
		t.Fatalf("index read batch default = %d", cfg.Scavenge.IndexReadBatchSize)
	}
	if cfg.Filter.FalsePositiveProbability != 0.01 {
		t.Fatalf("filter fp default")
	}
	if cfg.Scavenge.ThresholdWeight != nil {
		t.Fatalf("threshold must not have a default")
	}
	if !cfg.Scavenge.StopAtLightChunk || !cfg.Scavenge.MergeChunks {
		t.Fatalf("chunk executor defaults")
	}
}

func TestValidateRequiresScavengeSettings(t *testing.T) {
	err := Default().Validate()
	if err == nil {
		t.Fatalf("expected validation error for missing required settings")
	}
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}

	cfg := Default()
	cfg.Scavenge.ThresholdWeight = Float(-1)
	cfg.Scavenge.CalculatorCommitPeriod = 10
	cfg.Scavenge.CancellationCheckPeriod = 5
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.Fsync = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected fsync error")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "scavenger.json")
	data := []byte(`{"chunkSize":4096,"scavenge":{"thresholdWeight":2.5,"calculatorCommitPeriod":50,"cancellationCheckPeriod":10},"filter":{"useHashes":true}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChunkSize != 4096 {
		t.Fatalf("chunk size = %d", cfg.ChunkSize)
	}
	if cfg.Scavenge.Threshold() != 2.5 {
		t.Fatalf("threshold = %v", cfg.Scavenge.Threshold())
	}
	if !cfg.Filter.UseHashes {
		t.Fatalf("expected useHashes")
	}
	// untouched fields keep their defaults
	if cfg.Scavenge.IndexReadBatchSize != 100 {
		t.Fatalf("expected default batch size to survive")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "scavenger.yaml")
	data := []byte(`
chunkSize: 8192
scavenge:
  thresholdWeight: 0
  calculatorCommitPeriod: 3
  cancellationCheckPeriod: 2
  unsafeIgnoreHardDeletes: true
  chunkThrottle: 50ms
filter:
  flushInterval: 2s
`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChunkSize != 8192 || !cfg.Scavenge.UnsafeIgnoreHardDeletes {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Scavenge.ThresholdWeight == nil || *cfg.Scavenge.ThresholdWeight != 0 {
		t.Fatalf("explicit zero threshold must be preserved")
	}
	if cfg.Scavenge.ChunkThrottle != 50*time.Millisecond || cfg.Filter.FlushInterval != 2*time.Second {
		t.Fatalf("durations: %v %v", cfg.Scavenge.ChunkThrottle, cfg.Filter.FlushInterval)
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(file, []byte("{"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("SCAVENGER_THRESHOLD_WEIGHT", "4")
	t.Setenv("SCAVENGER_CALCULATOR_COMMIT_PERIOD", "20")
	t.Setenv("SCAVENGER_UNSAFE_IGNORE_HARD_DELETES", "true")
	t.Setenv("SCAVENGER_FILTER_FLUSH_INTERVAL", "250ms")
	t.Setenv("SCAVENGER_CHUNK_SIZE", "not-a-number")
	FromEnv(&cfg)
	if cfg.Scavenge.Threshold() != 4 {
		t.Fatalf("env override threshold")
	}
	if cfg.Scavenge.CalculatorCommitPeriod != 20 {
		t.Fatalf("env override commit period")
	}
	if !cfg.Scavenge.UnsafeIgnoreHardDeletes {
		t.Fatalf("env override bool")
	}
	if cfg.Filter.FlushInterval != 250*time.Millisecond {
		t.Fatalf("env override duration")
	}
	if cfg.ChunkSize != Default().ChunkSize {
		t.Fatalf("invalid number must be ignored")
	}
}
