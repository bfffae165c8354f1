package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Target is the controller surface the reconciler drives.
type Target interface {
	StartedContextIDs(ctx context.Context) ([]string, error)
	ReconcileContext(ctx context.Context, executionContextID string) error
}

// Service sweeps every started execution context on an interval,
// repairing drift between the durable store and the in-memory graphs.
// A sweep can also be requested out of band with TriggerNow.
type Service struct {
	target   Target
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	kickCh  chan struct{}
	doneCh  chan struct{}
}

// NewService creates a reconciliation service.
func NewService(target Target, interval time.Duration, logger *zap.Logger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		target:   target,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		kickCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("reconciliation service started",
		zap.Duration("interval", s.interval))
	go s.run()
}

// Stop terminates the sweep loop and waits for an in-flight sweep to end.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("reconciliation service stopped")
}

// TriggerNow requests an immediate sweep. Coalesces with a pending
// request.
func (s *Service) TriggerNow() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		case <-s.kickCh:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	ctx := context.Background()

	ids, err := s.target.StartedContextIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list started execution contexts", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	start := time.Now()
	repairedErrs := 0
	for _, id := range ids {
		if err := s.target.ReconcileContext(ctx, id); err != nil {
			repairedErrs++
			s.logger.Error("reconciliation failed for execution context",
				zap.String("execution_context_id", id),
				zap.Error(err))
		}
	}

	s.logger.Debug("reconciliation sweep finished",
		zap.Int("contexts", len(ids)),
		zap.Int("errors", repairedErrs),
		zap.Duration("elapsed", time.Since(start)))
}
