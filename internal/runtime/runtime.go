package runtime

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/scavenger/internal/collisions"
	cfgpkg "github.com/rzbill/scavenger/internal/config"
	"github.com/rzbill/scavenger/internal/eventlog"
	"github.com/rzbill/scavenger/internal/existence"
	"github.com/rzbill/scavenger/internal/hashing"
	"github.com/rzbill/scavenger/internal/metrics"
	"github.com/rzbill/scavenger/internal/scavenge"
	pebblestore "github.com/rzbill/scavenger/internal/storage/pebble"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Config  cfgpkg.Config
	Logger  logpkg.Logger
	Metrics *metrics.Registry
	// Hasher overrides the stream hasher, for tests.
	Hasher hashing.Hasher
	Now    func() time.Time
}

// Runtime wires storage, the event log, the existence filter and the
// scavenger for a single-node instance.
type Runtime struct {
	config  cfgpkg.Config
	logger  logpkg.Logger
	metrics *metrics.Registry

	indexDB *pebblestore.DB
	stateDB *pebblestore.DB
	log     *eventlog.Log
	filter  *existence.Filter
	flusher *existence.Flusher
	scav    *scavenge.Scavenger
	svc     *scavenge.Service
}

// FsyncMode maps the configured fsync policy.
func FsyncMode(s string) pebblestore.FsyncMode {
	switch s {
	case "interval":
		return pebblestore.FsyncModeInterval
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeAlways
	}
}

// Open initializes storage, replays the log tail into the index and the
// existence filter, and builds the scavenger.
//
// Directory layout under DataDir:
//
//	chunks/    event log chunk files
//	index/     Pebble stream index
//	scavenge/  Pebble scavenge state
//	filter/    existence filter files
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if opts.DataDir == "" {
		opts.DataDir = cfg.DataDir
	}
	if opts.DataDir == "" {
		return nil, errors.New("runtime: data dir is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "runtime: config")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Hasher == nil {
		opts.Hasher = hashing.Stream
	}
	r := &Runtime{config: cfg, logger: opts.Logger.WithComponent("runtime"), metrics: opts.Metrics}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	var err error
	fsync := FsyncMode(cfg.Fsync)
	r.indexDB, err = pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(opts.DataDir, "index"),
		Fsync:   fsync,
		Metrics: opts.Metrics.StorageHook("index"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open index store")
	}
	// The scavenge state commits every checkpoint with fsync regardless of
	// the configured policy.
	r.stateDB, err = pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(opts.DataDir, "scavenge"),
		Fsync:   pebblestore.FsyncModeAlways,
		Metrics: opts.Metrics.StorageHook("scavenge"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open scavenge store")
	}

	r.filter, err = existence.Open(existence.Options{
		Dir:                      filepath.Join(opts.DataDir, "filter"),
		Capacity:                 cfg.Filter.Capacity,
		FalsePositiveProbability: cfg.Filter.FalsePositiveProbability,
		UseHashes:                cfg.Filter.UseHashes,
		Hasher:                   opts.Hasher,
		Logger:                   opts.Logger,
		Metrics:                  opts.Metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open existence filter")
	}

	r.log, err = eventlog.Open(ctx, r.indexDB, eventlog.Options{
		Dir:              filepath.Join(opts.DataDir, "chunks"),
		ChunkSize:        cfg.ChunkSize,
		Sync:             cfg.Fsync == "always",
		Hasher:           opts.Hasher,
		Filter:           r.filter,
		IndexCommitBatch: cfg.Scavenge.IndexCommitBatch,
		Logger:           opts.Logger,
		Now:              opts.Now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open event log")
	}
	if err := r.filter.Initialize(ctx, r.log); err != nil {
		return nil, errors.Wrap(err, "initialize existence filter")
	}
	r.flusher = existence.NewFlusher(r.filter, cfg.Filter.FlushInterval)

	state := scavenge.NewState(r.stateDB)
	tracker, err := collisions.New(state, opts.Hasher, cfg.Scavenge.HashCacheCapacity, collisions.WithMetrics(opts.Metrics))
	if err != nil {
		return nil, errors.Wrap(err, "load collisions")
	}
	r.scav, err = scavenge.New(scavenge.Dependencies{
		State:          state,
		Tracker:        tracker,
		Chunks:         r.log,
		Index:          r.log,
		ChunkManager:   r.log,
		IndexScavenger: r.log,
		Names:          r.log,
		Merger:         r.log,
		Points:         r.log,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	}, ScavengeOptions(cfg))
	if err != nil {
		return nil, err
	}
	r.svc = scavenge.NewService(r.scav, opts.Logger)
	ok = true
	return r, nil
}

// ScavengeOptions translates the scavenge config section.
func ScavengeOptions(cfg cfgpkg.Config) scavenge.Options {
	s := cfg.Scavenge
	return scavenge.Options{
		ChunkSize:               cfg.ChunkSize,
		Threshold:               s.Threshold(),
		CalculatorCommitPeriod:  s.CalculatorCommitPeriod,
		CancellationCheckPeriod: s.CancellationCheckPeriod,
		IndexReadBatchSize:      s.IndexReadBatchSize,
		UnsafeIgnoreHardDeletes: s.UnsafeIgnoreHardDeletes,
		MergeChunks:             s.MergeChunks,
		StopAtLightChunk:        s.StopAtLightChunk,
		ChunkThrottle:           s.ChunkThrottle,
	}
}

// Run runs background tasks until ctx is cancelled, then stops any
// scavenge in flight.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.flusher.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if stopped, err := r.svc.Stop(stopCtx); err != nil {
			r.logger.Warn("scavenge did not stop in time", logpkg.Err(err))
		} else if stopped {
			r.logger.Info("stopped scavenge in flight")
		}
		return nil
	})
	return g.Wait()
}

// Close flushes the filter and closes the log and stores.
func (r *Runtime) Close() error {
	var errs []error
	if r.filter != nil && r.filter.Dirty() {
		errs = append(errs, r.filter.Flush())
	}
	if r.log != nil {
		errs = append(errs, r.log.Close())
	}
	if r.stateDB != nil {
		errs = append(errs, r.stateDB.Close())
	}
	if r.indexDB != nil {
		errs = append(errs, r.indexDB.Close())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.indexDB == nil || r.stateDB == nil {
		return errors.New("db not open")
	}
	for _, db := range []*pebblestore.DB{r.indexDB, r.stateDB} {
		it, err := db.NewIter(nil)
		if err != nil {
			return err
		}
		it.Close()
	}
	return ctx.Err()
}

// RebuildFilter discards the existence filter and replays every stream name.
func (r *Runtime) RebuildFilter(ctx context.Context) error {
	r.filter.Reset()
	return r.filter.Rebuild(ctx, r.log)
}

func (r *Runtime) Log() *eventlog.Log             { return r.log }
func (r *Runtime) Filter() *existence.Filter      { return r.filter }
func (r *Runtime) Scavenges() *scavenge.Service   { return r.svc }
func (r *Runtime) Metrics() *metrics.Registry     { return r.metrics }
func (r *Runtime) Config() cfgpkg.Config          { return r.config }
func (r *Runtime) Logger() logpkg.Logger          { return r.logger }
func (r *Runtime) Scavenger() *scavenge.Scavenger { return r.scav }
