// Package runtime wires storage, the event log, the existence filter and the
// scavenger into a single-node instance. It exposes Open/Close, a health
// check, the background task loop and accessors used by the servers and CLI.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Scavenge.ThresholdWeight = config.Float(0)
//	cfg.Scavenge.CalculatorCommitPeriod = 1000
//	cfg.Scavenge.CancellationCheckPeriod = 1000
//	rt, _ := runtime.Open(ctx, runtime.Options{DataDir: "./data", Config: cfg})
//	defer rt.Close()
//	go rt.Run(ctx)
//	_, _ = rt.Log().Append(ctx, "orders", eventlog.ExpectedAny, []eventlog.EventData{{Type: "placed", Data: body}})
//	runID, _ := rt.Scavenges().Start(ctx)
package runtime
