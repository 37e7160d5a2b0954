package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays SCAVENGER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("SCAVENGER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SCAVENGER_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("SCAVENGER_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("SCAVENGER_HTTP"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SCAVENGER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SCAVENGER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SCAVENGER_THRESHOLD_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scavenge.ThresholdWeight = &f
		}
	}
	if v := os.Getenv("SCAVENGER_CALCULATOR_COMMIT_PERIOD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scavenge.CalculatorCommitPeriod = n
		}
	}
	if v := os.Getenv("SCAVENGER_CANCELLATION_CHECK_PERIOD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scavenge.CancellationCheckPeriod = n
		}
	}
	if v := os.Getenv("SCAVENGER_INDEX_READ_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scavenge.IndexReadBatchSize = n
		}
	}
	if v := os.Getenv("SCAVENGER_UNSAFE_IGNORE_HARD_DELETES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scavenge.UnsafeIgnoreHardDeletes = b
		}
	}
	if v := os.Getenv("SCAVENGER_MERGE_CHUNKS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scavenge.MergeChunks = b
		}
	}
	if v := os.Getenv("SCAVENGER_CHUNK_THROTTLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scavenge.ChunkThrottle = d
		}
	}
	if v := os.Getenv("SCAVENGER_FILTER_CAPACITY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Filter.Capacity = uint(n)
		}
	}
	if v := os.Getenv("SCAVENGER_FILTER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Filter.FlushInterval = d
		}
	}
	if v := os.Getenv("SCAVENGER_FILTER_USE_HASHES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Filter.UseHashes = b
		}
	}
}
