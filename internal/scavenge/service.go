package scavenge

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/scavenger/pkg/id"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// Status is a snapshot of the service: the run in flight, if any, and the
// last finished run.
type Status struct {
	Running  bool
	RunID    id.ID
	Started  time.Time
	Progress Progress
	Last     *Result
}

// Service runs at most one scavenge at a time in the background.
type Service struct {
	scav   *Scavenger
	logger logpkg.Logger

	mu      sync.Mutex
	running bool
	runID   id.ID
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	last    *Result
}

func NewService(scav *Scavenger, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = scav.logger
	}
	return &Service{scav: scav, logger: logger.WithComponent("scavenge.service")}
}

// Start launches a run detached from ctx's cancellation and returns its id.
func (s *Service) Start(ctx context.Context) (id.ID, error) {
	runID, runCtx, err := s.begin(context.WithoutCancel(ctx))
	if err != nil {
		return id.ID{}, err
	}
	go func() {
		res, _ := s.scav.RunWithID(runCtx, runID)
		s.finish(res)
	}()
	return runID, nil
}

// RunSync runs a scavenge in the caller's goroutine.
func (s *Service) RunSync(ctx context.Context) (Result, error) {
	runID, runCtx, err := s.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	res, err := s.scav.RunWithID(runCtx, runID)
	s.finish(res)
	return res, err
}

func (s *Service) begin(parent context.Context) (id.ID, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return id.ID{}, nil, ErrScavengeInProgress
	}
	ctx, cancel := context.WithCancel(parent)
	s.running = true
	s.runID = s.scav.NewRunID()
	s.started = time.Now()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.Info("scavenge requested", logpkg.Str(logpkg.ScavengeIDKey, s.runID.String()))
	return s.runID, ctx, nil
}

func (s *Service) finish(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.running = false
	s.last = &res
	close(s.done)
}

// Stop cancels the run in flight and waits for it to unwind. It reports
// whether there was a run to stop.
func (s *Service) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false, nil
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Status returns a snapshot of the service.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, Last: s.last}
	if s.running {
		st.RunID = s.runID
		st.Started = s.started
		st.Progress = s.scav.Progress()
	}
	return st
}
