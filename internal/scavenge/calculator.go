package scavenge

import (
	"context"
	"time"

	"github.com/pkg/errors"

	logpkg "github.com/rzbill/scavenger/pkg/log"
)

const (
	discardWeight      = 2.0
	maybeDiscardWeight = 1.0

	activeStreamsPage = 256
)

type decision uint8

const (
	decisionKeep decision = iota
	decisionDiscard
	decisionMaybeDiscard
)

// calculate derives discard points for every active stream after the
// checkpointed handle, committing every CalculatorCommitPeriod streams.
func (s *Scavenger) calculate(ctx context.Context, logger logpkg.Logger, cp Calculating) (Checkpoint, error) {
	sp := cp.Point
	if s.deps.Index == nil {
		return nil, errors.New("no index reader")
	}
	logger = logger.WithComponent("scavenge.calculator")

	after := cp.DoneStreamHandle
	if err := s.state.Begin(); err != nil {
		return nil, err
	}
	processed, pending := 0, 0
	for {
		page, err := s.state.ActiveStreams(after, activeStreamsPage)
		if err != nil {
			return nil, s.abort(err)
		}
		if len(page) == 0 {
			break
		}
		for _, h := range page {
			if err := checkCancelled(ctx, processed+1, s.opts.CancellationCheckPeriod); err != nil {
				return nil, s.abort(err)
			}
			if err := s.calculateStream(ctx, sp, h); err != nil {
				return nil, s.abort(errors.Wrapf(err, "stream %s", h))
			}
			h := h
			after = &h
			processed++
			pending++
			if pending == s.opts.CalculatorCommitPeriod {
				if err := s.state.Commit(ctx, Calculating{Point: sp, DoneStreamHandle: after}); err != nil {
					return nil, s.abort(err)
				}
				s.deps.Metrics.AddStreamsCalculated(pending)
				pending = 0
				if err := s.state.Begin(); err != nil {
					return nil, err
				}
			}
		}
	}
	next := ExecutingChunks{Point: sp}
	if err := s.state.Commit(ctx, next); err != nil {
		return nil, s.abort(err)
	}
	s.deps.Metrics.AddStreamsCalculated(pending)
	logger.Debug("calculated streams", logpkg.Int("streams", processed))
	return next, nil
}

// calculateStream scans h forward from its stored discard point until the
// first event that must be kept.
func (s *Scavenger) calculateStream(ctx context.Context, sp ScavengePoint, h StreamHandle) error {
	d, ok, err := s.state.StreamData(h)
	if err != nil || !ok {
		return err
	}
	last, hasEvents, err := s.deps.Index.LastEventNumber(ctx, h, sp)
	if err != nil {
		return err
	}

	discard, maybe := KeepAll, KeepAll
	if hasEvents {
		from := d.DiscardPoint.FirstEventNumberToKeep()
		seen, kept := false, false
	scan:
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			infos, err := s.deps.Index.ReadEventInfoForward(ctx, h, from, s.opts.IndexReadBatchSize, sp)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				break
			}
			for _, e := range infos {
				seen = true
				dec, err := s.decide(d, sp, last, e)
				if err != nil {
					return err
				}
				switch dec {
				case decisionKeep:
					kept = true
					if d.IsTombstoned && s.opts.UnsafeIgnoreHardDeletes {
						// the tombstone itself goes when its chunk is rewritten
						if err := s.state.IncreaseChunkWeight(s.logicalChunk(e.Position), discardWeight); err != nil {
							return err
						}
					}
					break scan
				case decisionDiscard:
					discard = DiscardIncluding(e.EventNumber)
					if err := s.state.IncreaseChunkWeight(s.logicalChunk(e.Position), discardWeight); err != nil {
						return err
					}
				case decisionMaybeDiscard:
					maybe = DiscardIncluding(e.EventNumber)
					if err := s.state.IncreaseChunkWeight(s.logicalChunk(e.Position), maybeDiscardWeight); err != nil {
						return err
					}
				}
				from = e.EventNumber + 1
			}
		}
		if !kept && seen {
			return errors.Wrapf(ErrInvariantViolation, "every event up to %d discarded", last)
		}
	}

	maybe = maybe.Or(discard)
	d.DiscardPoint = d.DiscardPoint.Or(discard)
	d.MaybeDiscardPoint = d.MaybeDiscardPoint.Or(maybe).Or(d.DiscardPoint)
	if d.IsTombstoned {
		d.Status = StatusSpent
	}
	return s.state.SetStreamData(h, d)
}

func (s *Scavenger) decide(d StreamData, sp ScavengePoint, last int64, e EventInfo) (decision, error) {
	md := d.Metadata
	switch {
	case e.EventNumber == last:
		return decisionKeep, nil
	case d.IsTombstoned:
		return decisionDiscard, nil
	case md.TruncateBefore != nil && e.EventNumber < *md.TruncateBefore:
		return decisionDiscard, nil
	case md.MaxCount != nil && e.EventNumber <= last-*md.MaxCount:
		return decisionDiscard, nil
	case md.MaxAge != nil:
		return s.decideByAge(sp, *md.MaxAge, e)
	}
	return decisionKeep, nil
}

// decideByAge judges an event by the time range of its logical chunk. An
// event whose chunk straddles the cutoff can only be judged from the record.
func (s *Scavenger) decideByAge(sp ScavengePoint, maxAge time.Duration, e EventInfo) (decision, error) {
	r, ok, err := s.state.ChunkTimeStampRange(s.logicalChunk(e.Position))
	if err != nil {
		return decisionKeep, err
	}
	cutoff := sp.EffectiveNow.Add(-maxAge)
	switch {
	case !ok:
		return decisionMaybeDiscard, nil
	case r.Max.Before(cutoff):
		return decisionDiscard, nil
	case r.Min.Before(cutoff):
		return decisionMaybeDiscard, nil
	}
	return decisionKeep, nil
}
