// Package config provides loading, environment overlay and validation for the
// scavenger's runtime configuration. It exposes a Default() baseline; the
// compaction threshold and the calculator commit/cancellation periods have no
// defaults and Validate rejects a config that leaves them unset.
//
// Example:
//
//	cfg, err := config.Load("/etc/scavenger.yaml")
//	if err != nil { /* handle */ }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { /* handle */ }
//	rt, _ := runtime.Open(runtime.Options{DataDir: cfg.DataDir, Config: cfg})
//	defer rt.Close()
package config
