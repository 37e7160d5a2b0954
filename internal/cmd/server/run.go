package serverrun

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/scavenger/internal/config"
	"github.com/rzbill/scavenger/internal/runtime"
	httpserver "github.com/rzbill/scavenger/internal/server/http"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

type Options struct {
	// DataDir overrides Config.DataDir when set.
	DataDir  string
	HTTPAddr string
	Config   cfgpkg.Config
	// Logger is built from Config.Log when nil.
	Logger logpkg.Logger
}

// BuildLogger builds the process logger from cfg, falling back to a text
// logger when the format is unknown. Stdlib log output (Pebble) is
// redirected to the result.
func BuildLogger(cfg cfgpkg.LogConfig) logpkg.Logger {
	lc := &logpkg.Config{Level: cfg.Level, Format: cfg.Format}
	logger, err := logpkg.ApplyConfig(lc)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(lc.Level); e == nil {
			lvl = l
		}
		logger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(logger)
	return logger
}

// Run opens the runtime, serves the admin API and blocks until ctx is
// cancelled or a signal arrives. A scavenge in flight is stopped before the
// runtime closes.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	addr := opts.HTTPAddr
	if addr == "" {
		addr = cfg.HTTP.Addr
	}
	logger := opts.Logger
	if logger == nil {
		logger = BuildLogger(cfg.Log)
	}

	rt, err := runtime.Open(sctx, runtime.Options{DataDir: cfg.DataDir, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("Starting scavenger server",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("http", addr),
		logpkg.Int64("chunk_size", cfg.ChunkSize),
		logpkg.Float64("threshold", cfg.Scavenge.Threshold()),
		logpkg.Bool("merge_chunks", cfg.Scavenge.MergeChunks),
		logpkg.Bool("unsafe_ignore_hard_deletes", cfg.Scavenge.UnsafeIgnoreHardDeletes),
	)

	hsrv := httpserver.New(rt, logger)
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return hsrv.ListenAndServe(gctx, addr) })
	err = g.Wait()
	hsrv.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
