package existence

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// Flusher persists a Filter in the background. Triggers arriving within one
// interval coalesce into a single flush.
type Flusher struct {
	filter   *Filter
	interval time.Duration
	trigger  chan struct{}
	logger   logpkg.Logger
	// maxRetry bounds how long a failing flush is retried before waiting for
	// the next trigger.
	maxRetry time.Duration
}

// NewFlusher wires a Flusher to f and makes every Add trigger it.
func NewFlusher(f *Filter, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = time.Second
	}
	fl := &Flusher{
		filter:   f,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   f.logger.WithComponent("existence.flusher"),
		maxRetry: 30 * time.Second,
	}
	f.SetOnAdd(fl.Trigger)
	return fl
}

// Trigger requests a flush without blocking.
func (fl *Flusher) Trigger() {
	select {
	case fl.trigger <- struct{}{}:
	default:
	}
}

// Run flushes on triggers until ctx is cancelled, then performs a final
// flush of pending adds. It returns nil on cancellation.
func (fl *Flusher) Run(ctx context.Context) error {
	defer fl.finalFlush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fl.trigger:
		}

		timer := time.NewTimer(fl.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := fl.flushWithRetry(ctx); err != nil && ctx.Err() == nil {
			fl.logger.Error("existence filter flush failed", logpkg.Err(err))
		}
	}
}

func (fl *Flusher) flushWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = fl.maxRetry
	return backoff.RetryNotify(fl.filter.Flush, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		fl.logger.Warn("existence filter flush retry", logpkg.Err(err), logpkg.Duration("next", next))
	})
}

func (fl *Flusher) finalFlush() {
	if !fl.filter.Dirty() {
		return
	}
	if err := fl.filter.Flush(); err != nil {
		fl.logger.Error("final existence filter flush failed", logpkg.Err(err))
	}
}
