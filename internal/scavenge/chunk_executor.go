package scavenge

import (
	"context"
	"time"

	"github.com/pkg/errors"

	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// executeChunks rewrites read-only physical chunks below the scavenge point
// whose weight exceeds the threshold, one at a time in position order.
func (s *Scavenger) executeChunks(ctx context.Context, logger logpkg.Logger, cp ExecutingChunks) (Checkpoint, error) {
	sp := cp.Point
	if s.deps.ChunkManager == nil {
		return nil, errors.New("no chunk manager")
	}
	logger = logger.WithComponent("scavenge.chunks")

	chunks, err := s.deps.ChunkManager.PhysicalChunks(ctx, sp.Position)
	if err != nil {
		return nil, errors.Wrap(err, "list chunks")
	}
	for _, c := range chunks {
		if cp.DoneLogicalChunk != nil && c.End <= *cp.DoneLogicalChunk {
			continue
		}
		if !c.ReadOnly {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		weight, err := s.state.SumChunkWeights(c.Start, c.End)
		if err != nil {
			return nil, err
		}
		if sp.Threshold >= 0 && weight <= sp.Threshold {
			if weight > 0 && s.opts.StopAtLightChunk {
				logger.Debug("stopping at light chunk",
					logpkg.Str("chunk", c.String()), logpkg.Float64("weight", weight))
				break
			}
			s.deps.Metrics.RecordChunk("skipped", 0, 0, 0)
			continue
		}

		if err := s.rewriteChunk(ctx, logger, sp, c); err != nil {
			return nil, errors.Wrap(err, c.String())
		}
		if err := s.state.Begin(); err != nil {
			return nil, err
		}
		if err := s.state.ResetChunkWeights(c.Start, c.End); err != nil {
			return nil, s.abort(err)
		}
		if err := s.state.Commit(ctx, ExecutingChunks{Point: sp, DoneLogicalChunk: intPtr(c.End)}); err != nil {
			return nil, s.abort(err)
		}
		if s.opts.ChunkThrottle > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.opts.ChunkThrottle):
			}
		}
	}
	next := ExecutingIndex{Point: sp}
	return next, s.transition(ctx, next)
}

func (s *Scavenger) rewriteChunk(ctx context.Context, logger logpkg.Logger, sp ScavengePoint, c PhysicalChunk) error {
	w, err := s.deps.ChunkManager.NewChunkWriter(ctx, c)
	if err != nil {
		return errors.Wrap(err, "new writer")
	}
	cache := make(map[string]recordFilter)
	kept, discarded, n := 0, 0, 0
	err = s.deps.ChunkManager.ReadRecords(ctx, c, func(r ChunkRecord) error {
		n++
		if err := checkCancelled(ctx, n, s.opts.CancellationCheckPeriod); err != nil {
			return err
		}
		drop, err := s.discardRecord(sp, r, cache)
		if err != nil {
			return err
		}
		if drop {
			discarded++
			return nil
		}
		kept++
		return w.Write(r)
	})
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			logger.Warn("abort chunk writer", logpkg.Err(abortErr))
		}
		return err
	}
	if discarded == 0 {
		s.deps.Metrics.RecordChunk("unchanged", kept, 0, 0)
		return w.Abort()
	}
	nc, err := s.deps.ChunkManager.SwitchChunk(ctx, w)
	if err != nil {
		return errors.Wrap(err, "switch")
	}
	s.deps.Metrics.RecordChunk("rewritten", kept, discarded, c.Size-nc.Size)
	logger.Info("chunk rewritten",
		logpkg.Str("chunk", c.String()),
		logpkg.Int("kept", kept),
		logpkg.Int("discarded", discarded),
		logpkg.Int64("old_size", c.Size),
		logpkg.Int64("new_size", nc.Size))
	return nil
}

// recordFilter is the resolved stream data used to judge one stream's records.
type recordFilter struct {
	known bool
	data  StreamData
}

func (s *Scavenger) discardRecord(sp ScavengePoint, r ChunkRecord, cache map[string]recordFilter) (bool, error) {
	if !r.IsEvent || r.Position >= sp.Position {
		return false, nil
	}
	f, ok := cache[r.Stream]
	if !ok {
		h, err := s.handleFor(r.Stream)
		if err != nil {
			return false, err
		}
		d, known, err := s.state.StreamData(h)
		if err != nil {
			return false, err
		}
		f = recordFilter{known: known, data: d}
		cache[r.Stream] = f
	}
	if !f.known {
		return false, nil
	}
	d := f.data
	if d.IsTombstoned && (s.opts.UnsafeIgnoreHardDeletes || d.IsMetastream) {
		return true, nil
	}
	if d.DiscardPoint.ShouldDiscard(r.EventNumber) {
		return true, nil
	}
	if d.MaybeDiscardPoint.ShouldDiscard(r.EventNumber) && d.Metadata.MaxAge != nil {
		cutoff := sp.EffectiveNow.Add(-*d.Metadata.MaxAge)
		return r.TimeStamp.Before(cutoff), nil
	}
	return false, nil
}
