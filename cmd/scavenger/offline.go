package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	serverrun "github.com/rzbill/scavenger/internal/cmd/server"
	"github.com/rzbill/scavenger/internal/runtime"
	"github.com/rzbill/scavenger/internal/scavenge"
	logpkg "github.com/rzbill/scavenger/pkg/log"
	"github.com/spf13/cobra"
)

// withRuntime opens the data directory without a server, runs fn and closes
// the runtime. The directory must not be in use by a running server.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime.Runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := serverrun.BuildLogger(cfg.Log)
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rt, err := runtime.Open(ctx, runtime.Options{DataDir: cfg.DataDir, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newScavengeRunCommand() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scavenge in the foreground against a stopped data directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime.Runtime) error {
				res, err := rt.Scavenges().RunSync(ctx)
				printResult(cmd, res)
				return err
			})
		},
	}
	addDataDirFlag(runCmd)
	return runCmd
}

func printResult(cmd *cobra.Command, res scavenge.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:      %s\n", res.ID)
	fmt.Fprintf(out, "status:   %s\n", res.Status)
	fmt.Fprintf(out, "phase:    %s\n", res.Phase)
	fmt.Fprintf(out, "point:    %s position=%d threshold=%v\n", res.Point.Name(), res.Point.Position, res.Point.Threshold)
	fmt.Fprintf(out, "elapsed:  %s\n", res.Elapsed)
	if res.Err != nil {
		fmt.Fprintf(out, "error:    %v\n", res.Err)
	}
}

func newFilterRebuildCommand() *cobra.Command {
	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the stream existence filter from the log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime.Runtime) error {
				if err := rt.RebuildFilter(ctx); err != nil {
					return err
				}
				rt.Logger().Info("existence filter rebuilt", logpkg.Str("data_dir", rt.Config().DataDir))
				fmt.Fprintln(cmd.OutOrStdout(), "filter rebuilt")
				return nil
			})
		},
	}
	addDataDirFlag(rebuildCmd)
	return rebuildCmd
}
