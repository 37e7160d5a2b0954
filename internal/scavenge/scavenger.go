package scavenge

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rzbill/scavenger/internal/collisions"
	"github.com/rzbill/scavenger/internal/metrics"
	"github.com/rzbill/scavenger/pkg/id"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// Options tunes a Scavenger.
type Options struct {
	// ChunkSize is the number of log positions per logical chunk.
	ChunkSize int64
	// Threshold is stamped on newly created scavenge points. Chunks whose
	// summed weight exceeds it are rewritten; negative rewrites every chunk.
	Threshold float64
	// CalculatorCommitPeriod is the number of streams per calculator transaction.
	CalculatorCommitPeriod int
	// CancellationCheckPeriod is the number of streams or records between
	// cancellation checks.
	CancellationCheckPeriod int
	// IndexReadBatchSize bounds each forward index read of the calculator.
	IndexReadBatchSize int
	// UnsafeIgnoreHardDeletes removes tombstoned streams entirely, tombstones
	// included.
	UnsafeIgnoreHardDeletes bool
	MergeChunks             bool
	// StopAtLightChunk ends chunk execution at the first chunk with weight
	// at or below the threshold.
	StopAtLightChunk bool
	// ChunkThrottle pauses between chunk rewrites.
	ChunkThrottle time.Duration
}

func (o Options) validate() error {
	switch {
	case o.ChunkSize <= 0:
		return errors.New("scavenge: ChunkSize must be positive")
	case o.CalculatorCommitPeriod <= 0:
		return errors.New("scavenge: CalculatorCommitPeriod must be positive")
	case o.CancellationCheckPeriod <= 0:
		return errors.New("scavenge: CancellationCheckPeriod must be positive")
	case o.IndexReadBatchSize <= 0:
		return errors.New("scavenge: IndexReadBatchSize must be positive")
	}
	return nil
}

// Dependencies are the collaborators a Scavenger drives. Merger is optional.
type Dependencies struct {
	State          *State
	Tracker        *collisions.Tracker
	Chunks         ChunkReaderForAccumulator
	Index          IndexReaderForCalculator
	ChunkManager   ChunkManager
	IndexScavenger IndexScavenger
	Names          StreamNameLookup
	Merger         ChunkMerger
	Points         ScavengePointSource
	Logger         logpkg.Logger
	Metrics        *metrics.Registry
}

// Progress is the phase a run is executing.
type Progress struct {
	Phase Phase
	Point ScavengePoint
}

// Result describes a finished run.
type Result struct {
	ID           id.ID
	Point        ScavengePoint
	Status       RunStatus
	Phase        Phase
	Err          error
	Started      time.Time
	Elapsed      time.Duration
	PhaseTimings map[string]time.Duration
}

// Scavenger runs the compaction pipeline. Runs must not overlap; Service
// enforces that for callers sharing one Scavenger.
type Scavenger struct {
	deps   Dependencies
	opts   Options
	state  *State
	logger logpkg.Logger
	ids    *id.Generator

	mu       sync.Mutex
	progress Progress
}

// New validates opts and builds a Scavenger.
func New(deps Dependencies, opts Options) (*Scavenger, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if deps.State == nil || deps.Tracker == nil {
		return nil, errors.New("scavenge: State and Tracker are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	return &Scavenger{
		deps:   deps,
		opts:   opts,
		state:  deps.State,
		logger: logger.WithComponent("scavenge"),
		ids:    id.NewGenerator(),
	}, nil
}

// NewRunID allocates the identifier of the next run.
func (s *Scavenger) NewRunID() id.ID { return s.ids.Next() }

// Progress returns the phase of the run in flight.
func (s *Scavenger) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Scavenger) setProgress(p Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// Run executes one scavenge, resuming an interrupted one if a checkpoint is
// present. A cancelled run reports RunStopped and a nil error.
func (s *Scavenger) Run(ctx context.Context) (Result, error) {
	return s.RunWithID(ctx, s.NewRunID())
}

// RunWithID is Run under a caller-chosen run id.
func (s *Scavenger) RunWithID(ctx context.Context, runID id.ID) (Result, error) {
	res := Result{
		ID:           runID,
		Status:       RunRunning,
		Started:      time.Now(),
		PhaseTimings: make(map[string]time.Duration),
	}
	logger := s.logger.With(logpkg.Str(logpkg.ScavengeIDKey, runID.String()))
	defer s.setProgress(Progress{})

	err := s.run(ctx, logger, &res)
	res.Elapsed = time.Since(res.Started)
	switch {
	case err == nil:
		res.Status = RunSuccess
		logger.Info("scavenge completed",
			logpkg.Str("scavenge_point", res.Point.Name()),
			logpkg.Duration("elapsed", res.Elapsed))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Status = RunStopped
		logger.Info("scavenge stopped",
			logpkg.Str("scavenge_point", res.Point.Name()),
			logpkg.Str("phase", res.Phase.String()))
		err = nil
	default:
		res.Status = RunErrored
		res.Err = err
		logger.Error("scavenge failed", logpkg.Err(err))
	}
	s.deps.Metrics.RecordRun(string(res.Status))
	return res, err
}

func (s *Scavenger) run(ctx context.Context, logger logpkg.Logger, res *Result) error {
	cp, ok, err := s.state.Checkpoint()
	if err != nil {
		return errors.Wrap(err, "scavenge: load checkpoint")
	}
	if ok {
		logger.Info("resuming scavenge",
			logpkg.Str("scavenge_point", cp.ScavengePoint().Name()),
			logpkg.Str("phase", cp.Phase().String()))
	} else {
		sp, err := s.choosePoint(ctx)
		if err != nil {
			return errors.Wrap(err, "scavenge: choose scavenge point")
		}
		cp = Accumulating{Point: sp}
		if err := s.transition(ctx, cp); err != nil {
			return errors.Wrapf(err, "scavenge %s: start", sp.Name())
		}
		logger.Info("starting scavenge",
			logpkg.Str("scavenge_point", sp.Name()),
			logpkg.Int64("position", sp.Position),
			logpkg.Float64("threshold", sp.Threshold))
	}
	res.Point = cp.ScavengePoint()

	for {
		if _, done := cp.(Done); done {
			res.Phase = PhaseDone
			return nil
		}
		res.Phase = cp.Phase()
		s.setProgress(Progress{Phase: cp.Phase(), Point: cp.ScavengePoint()})
		s.deps.Metrics.PhaseStarted(int(cp.Phase()))

		start := time.Now()
		next, err := s.step(ctx, logger, cp)
		elapsed := time.Since(start)
		res.PhaseTimings[cp.Phase().String()] += elapsed
		s.deps.Metrics.RecordPhase(cp.Phase().String(), elapsed)
		if err != nil {
			return errors.Wrapf(err, "scavenge %s: %s", cp.ScavengePoint().Name(), cp.Phase())
		}
		cp = next
	}
}

func (s *Scavenger) step(ctx context.Context, logger logpkg.Logger, cp Checkpoint) (Checkpoint, error) {
	switch c := cp.(type) {
	case Accumulating:
		return s.accumulate(ctx, logger, c)
	case Calculating:
		return s.calculate(ctx, logger, c)
	case ExecutingChunks:
		return s.executeChunks(ctx, logger, c)
	case ExecutingIndex:
		return s.executeIndex(ctx, logger, c)
	case Merging:
		return s.merge(ctx, logger, c)
	case Cleaning:
		return s.clean(ctx, logger, c)
	default:
		return nil, errors.Errorf("unexpected checkpoint %T", cp)
	}
}

// choosePoint reuses the latest scavenge point when no run completed it yet,
// otherwise appends a new one.
func (s *Scavenger) choosePoint(ctx context.Context) (ScavengePoint, error) {
	if s.deps.Points == nil {
		return ScavengePoint{}, errors.New("no scavenge point source")
	}
	last, hasLast, err := s.state.LastScavengePoint()
	if err != nil {
		return ScavengePoint{}, err
	}
	latest, ok, err := s.deps.Points.LatestScavengePoint(ctx)
	if err != nil {
		return ScavengePoint{}, err
	}
	if ok && (!hasLast || latest.EventNumber > last.EventNumber) {
		return latest, nil
	}
	expected := int64(-1)
	if ok {
		expected = latest.EventNumber
	}
	return s.deps.Points.AddScavengePoint(ctx, expected, s.opts.Threshold)
}

// transition commits cp on its own, moving the run to the next phase.
func (s *Scavenger) transition(ctx context.Context, cp Checkpoint) error {
	if err := s.state.Begin(); err != nil {
		return err
	}
	if err := s.state.Commit(ctx, cp); err != nil {
		return s.abort(err)
	}
	return nil
}

// abort rolls back the open transaction and drops cached collision state that
// may describe uncommitted names.
func (s *Scavenger) abort(err error) error {
	if rbErr := s.state.Rollback(); rbErr != nil {
		s.logger.Warn("rollback failed", logpkg.Err(rbErr))
	}
	if rlErr := s.deps.Tracker.Reload(); rlErr != nil {
		s.logger.Warn("reload collisions failed", logpkg.Err(rlErr))
	}
	return err
}

// handleFor addresses name by hash unless the name is known to collide.
func (s *Scavenger) handleFor(name string) (StreamHandle, error) {
	colliding, err := s.deps.Tracker.IsCollision(name)
	if err != nil {
		return StreamHandle{}, err
	}
	if colliding {
		return ForID(name), nil
	}
	return ForHash(s.deps.Tracker.Hash(name)), nil
}

func (s *Scavenger) logicalChunk(pos int64) int { return int(pos / s.opts.ChunkSize) }

// checkCancelled polls ctx every period calls.
func checkCancelled(ctx context.Context, n, period int) error {
	if period > 0 && n%period == 0 {
		return ctx.Err()
	}
	return nil
}
