package scavenge

import (
	"context"

	"github.com/pkg/errors"

	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// accumulate reads every logical chunk between the previous scavenge point and
// sp, recording collisions, metadata, tombstones and chunk time ranges. Each
// logical chunk is one transaction.
func (s *Scavenger) accumulate(ctx context.Context, logger logpkg.Logger, cp Accumulating) (Checkpoint, error) {
	sp := cp.Point
	if s.deps.Chunks == nil {
		return nil, errors.New("no chunk reader")
	}
	var from int64
	if prev, ok, err := s.state.LastScavengePoint(); err != nil {
		return nil, err
	} else if ok {
		from = prev.Position
	}

	first := s.logicalChunk(from)
	if cp.DoneLogicalChunk != nil {
		first = *cp.DoneLogicalChunk + 1
	}
	last := -1
	if sp.Position > 0 {
		last = s.logicalChunk(sp.Position - 1)
	}
	logger = logger.WithComponent("scavenge.accumulator")
	logger.Debug("accumulating", logpkg.Int("from_chunk", first), logpkg.Int("to_chunk", last))

	for chunk := first; chunk <= last; chunk++ {
		n, err := s.accumulateChunk(ctx, sp, from, chunk)
		if err != nil {
			return nil, err
		}
		s.deps.Metrics.AddAccumulatedRecords(n)
	}
	next := Calculating{Point: sp}
	return next, s.transition(ctx, next)
}

func (s *Scavenger) accumulateChunk(ctx context.Context, sp ScavengePoint, from int64, chunk int) (int, error) {
	if err := s.state.Begin(); err != nil {
		return 0, err
	}
	n := 0
	err := s.deps.Chunks.ReadChunkRecords(ctx, chunk, func(r AccumulatorRecord) error {
		if r.Position < from || r.Position >= sp.Position {
			return nil
		}
		n++
		if err := checkCancelled(ctx, n, s.opts.CancellationCheckPeriod); err != nil {
			return err
		}
		return s.accumulateRecord(r)
	})
	if err != nil {
		return 0, s.abort(errors.Wrapf(err, "logical chunk %d", chunk))
	}
	if err := s.state.Commit(ctx, Accumulating{Point: sp, DoneLogicalChunk: intPtr(chunk)}); err != nil {
		return 0, s.abort(err)
	}
	return n, nil
}

func (s *Scavenger) accumulateRecord(r AccumulatorRecord) error {
	if !r.TimeStamp.IsZero() {
		if err := s.state.ExtendChunkTimeStampRange(s.logicalChunk(r.Position), r.TimeStamp); err != nil {
			return err
		}
	}
	if err := s.detectCollisions(r.Stream); err != nil {
		return err
	}
	switch r.Type {
	case MetastreamRecord:
		return s.accumulateMetadata(r)
	case TombstoneRecord:
		return s.accumulateTombstone(r)
	}
	return nil
}

// detectCollisions registers name and re-keys the hash-addressed data of any
// name that has just started colliding.
func (s *Scavenger) detectCollisions(name string) error {
	if name == "" {
		return nil
	}
	newly, err := s.deps.Tracker.DetectCollisions(name)
	if err != nil {
		return err
	}
	for _, n := range newly {
		hash := s.deps.Tracker.Hash(n)
		candidate, ok, err := s.deps.Tracker.CandidateName(hash)
		if err != nil {
			return err
		}
		if !ok || candidate != n {
			continue
		}
		if _, err := s.state.MoveStreamData(ForHash(hash), ForID(n)); err != nil {
			return errors.Wrapf(err, "re-key %q", n)
		}
	}
	return nil
}

func (s *Scavenger) accumulateMetadata(r AccumulatorRecord) error {
	if err := s.detectCollisions(r.Original); err != nil {
		return err
	}
	oh, err := s.handleFor(r.Original)
	if err != nil {
		return err
	}
	od, _, err := s.state.StreamData(oh)
	if err != nil {
		return err
	}
	od.Metadata = r.Metadata
	if od.Status != StatusSpent {
		od.Status = StatusActive
	}
	if err := s.state.SetStreamData(oh, od); err != nil {
		return err
	}

	mh, err := s.handleFor(r.Stream)
	if err != nil {
		return err
	}
	md, _, err := s.state.StreamData(mh)
	if err != nil {
		return err
	}
	md.IsMetastream = true
	md.DiscardPoint = md.DiscardPoint.Or(DiscardBefore(r.EventNumber))
	md.MaybeDiscardPoint = md.MaybeDiscardPoint.Or(md.DiscardPoint)
	if md.LastMetadataPosition != NoPosition && md.LastMetadataPosition < r.Position {
		// the previous metadata event is now superseded
		if err := s.state.IncreaseChunkWeight(s.logicalChunk(md.LastMetadataPosition), discardWeight); err != nil {
			return err
		}
	}
	md.LastMetadataPosition = r.Position
	return s.state.SetStreamData(mh, md)
}

func (s *Scavenger) accumulateTombstone(r AccumulatorRecord) error {
	oh, err := s.handleFor(r.Stream)
	if err != nil {
		return err
	}
	od, _, err := s.state.StreamData(oh)
	if err != nil {
		return err
	}
	od.IsTombstoned = true
	if od.Status != StatusSpent {
		od.Status = StatusActive
	}
	if err := s.state.SetStreamData(oh, od); err != nil {
		return err
	}

	if r.Metastream == "" {
		return nil
	}
	if err := s.detectCollisions(r.Metastream); err != nil {
		return err
	}
	mh, err := s.handleFor(r.Metastream)
	if err != nil {
		return err
	}
	md, _, err := s.state.StreamData(mh)
	if err != nil {
		return err
	}
	md.IsMetastream = true
	md.IsTombstoned = true
	return s.state.SetStreamData(mh, md)
}
