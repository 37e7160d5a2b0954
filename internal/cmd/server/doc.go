// Package serverrun exposes the Run entrypoint used by the CLI to start the
// scavenger runtime and its admin HTTP API, handling lifecycle and shutdown.
//
// Example:
//
//	cfg, _ := config.Load("scavenger.yaml")
//	config.FromEnv(&cfg)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{DataDir: "./data", HTTPAddr: ":2113", Config: cfg})
package serverrun
