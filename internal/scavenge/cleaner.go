package scavenge

import (
	"context"

	"github.com/pkg/errors"

	logpkg "github.com/rzbill/scavenger/pkg/log"
)

func (s *Scavenger) merge(ctx context.Context, logger logpkg.Logger, cp Merging) (Checkpoint, error) {
	if s.opts.MergeChunks && s.deps.Merger != nil {
		merged, err := s.deps.Merger.MergeChunks(ctx, cp.Point)
		if err != nil {
			return nil, errors.Wrap(err, "merge chunks")
		}
		logger.WithComponent("scavenge.merger").Info("chunks merged", logpkg.Int("merged", merged))
	}
	next := Cleaning{Point: cp.Point}
	return next, s.transition(ctx, next)
}

// clean drops bookkeeping the next run does not need and completes the run.
// Tombstoned stream data only goes in unsafe mode, where the tombstones
// themselves are removed, and only once no chunk is left carrying weight:
// a skipped chunk may still hold records that need the data to be dropped.
func (s *Scavenger) clean(ctx context.Context, logger logpkg.Logger, cp Cleaning) (Checkpoint, error) {
	logger = logger.WithComponent("scavenge.cleaner")
	if err := s.state.Begin(); err != nil {
		return nil, err
	}
	weights, err := s.state.DeleteZeroWeights()
	if err != nil {
		return nil, s.abort(err)
	}
	streams := 0
	if s.opts.UnsafeIgnoreHardDeletes {
		pending, err := s.state.HasChunkWeight()
		if err != nil {
			return nil, s.abort(err)
		}
		if pending {
			logger.Debug("keeping tombstoned streams until weighted chunks are rewritten")
		} else if streams, err = s.state.DeleteTombstonedStreams(); err != nil {
			return nil, s.abort(err)
		}
	}
	next := Done{Point: cp.Point}
	if err := s.state.Commit(ctx, next); err != nil {
		return nil, s.abort(err)
	}
	logger.Debug("cleaned", logpkg.Int("weights", weights), logpkg.Int("streams", streams))
	return next, nil
}
