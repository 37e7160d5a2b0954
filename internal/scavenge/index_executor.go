package scavenge

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rzbill/scavenger/internal/collisions"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// IndexKeepPredicate decides which index entries survive. It is invoked once
// per entry in index order and carries the stream resolved for the previous
// entry forward.
//
// Invariants, checked on entry to Keep:
//   - isCollision is the collision status of lastHash whenever hasLast is set.
//   - resolved describes the stream of lastHash unless isCollision is set,
//     in which case it is re-resolved from each entry's position.
type IndexKeepPredicate struct {
	state   *State
	tracker *collisions.Tracker
	names   StreamNameLookup
	point   ScavengePoint
	unsafe  bool
	// cancelPeriod is how many Keep calls pass between ctx checks.
	cancelPeriod int
	calls        int

	hasLast     bool
	lastHash    uint64
	isCollision bool
	resolved    recordFilter
}

// NewIndexKeepPredicate builds a predicate over the committed scavenge state.
func NewIndexKeepPredicate(state *State, tracker *collisions.Tracker, names StreamNameLookup, sp ScavengePoint, unsafeIgnoreHardDeletes bool) *IndexKeepPredicate {
	return &IndexKeepPredicate{
		state:   state,
		tracker: tracker,
		names:   names,
		point:   sp,
		unsafe:  unsafeIgnoreHardDeletes,
	}
}

// Keep reports whether e stays in the index.
func (p *IndexKeepPredicate) Keep(ctx context.Context, e IndexEntry) (bool, error) {
	p.calls++
	if err := checkCancelled(ctx, p.calls, p.cancelPeriod); err != nil {
		return false, err
	}
	if e.Position >= p.point.Position {
		return true, nil
	}
	if !p.hasLast || e.Hash != p.lastHash || p.isCollision {
		ok, err := p.resolve(ctx, e)
		if err != nil {
			return false, err
		}
		if !ok {
			// no record at this position, so no stream owns the entry
			return false, nil
		}
	}

	r := p.resolved
	if !r.known {
		return true, nil
	}
	if r.data.IsTombstoned && (p.unsafe || r.data.IsMetastream) {
		return false, nil
	}
	return !r.data.DiscardPoint.ShouldDiscard(e.EventNumber), nil
}

func (p *IndexKeepPredicate) resolve(ctx context.Context, e IndexEntry) (bool, error) {
	p.hasLast = true
	p.lastHash = e.Hash
	p.isCollision = p.tracker.IsCollisionHash(e.Hash)
	p.resolved = recordFilter{}

	h := ForHash(e.Hash)
	if p.isCollision {
		if p.names == nil {
			return false, errors.New("colliding hash without a stream name lookup")
		}
		name, ok, err := p.names.StreamNameAt(ctx, e.Position)
		if err != nil {
			return false, errors.Wrapf(err, "resolve position %d", e.Position)
		}
		if !ok {
			return false, nil
		}
		colliding, err := p.tracker.IsCollision(name)
		if err != nil {
			return false, err
		}
		if colliding {
			h = ForID(name)
		}
	}
	d, known, err := p.state.StreamData(h)
	if err != nil {
		return false, err
	}
	p.resolved = recordFilter{known: known, data: d}
	return true, nil
}

func (s *Scavenger) executeIndex(ctx context.Context, logger logpkg.Logger, cp ExecutingIndex) (Checkpoint, error) {
	sp := cp.Point
	if s.deps.IndexScavenger == nil {
		return nil, errors.New("no index scavenger")
	}
	p := NewIndexKeepPredicate(s.state, s.deps.Tracker, s.deps.Names, sp, s.opts.UnsafeIgnoreHardDeletes)
	p.cancelPeriod = s.opts.CancellationCheckPeriod
	kept, discarded, err := s.deps.IndexScavenger.ScavengeIndex(ctx, sp, p.Keep)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.RecordIndexEntries(kept, discarded)
	logger.WithComponent("scavenge.index").Info("index scavenged",
		logpkg.Int("kept", kept), logpkg.Int("discarded", discarded))

	var next Checkpoint = Cleaning{Point: sp}
	if s.opts.MergeChunks && s.deps.Merger != nil {
		next = Merging{Point: sp}
	}
	return next, s.transition(ctx, next)
}
