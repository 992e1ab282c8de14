package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FinishedFunc reports whether the batch or group behind a dispatcher is
// finished, so its dispatcher may be torn down once idle.
type FinishedFunc func(ctx context.Context, id int64) (bool, error)

// Sweeper periodically removes dispatchers whose batch or group is finished
// and that have no live connections left.
// Thread-safe: Start and Stop may be called from different goroutines.
type Sweeper struct {
	registry *Registry
	finished FinishedFunc
	logger   *slog.Logger
	interval time.Duration
	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for shutdown
	wg       sync.WaitGroup     // Wait group for graceful shutdown
}

// NewSweeper creates a sweeper for registry checking every interval.
//
// Example:
//
//	sweeper := NewSweeper(groups, groupFinished, time.Minute, logger)
//	go sweeper.Start(ctx)
//	defer sweeper.Stop()
func NewSweeper(registry *Registry, finished FinishedFunc, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		registry: registry,
		finished: finished,
		logger:   logger.With("sweeper", string(registry.Kind())),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start sweeps every interval until ctx or the sweeper is canceled. It blocks.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop cancels Start and waits for it to return.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one pass and returns the number of removed dispatchers.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ids, err := s.registry.IDs(ctx)
	if err != nil {
		s.logger.Error("could not list dispatchers", "error", err)
		return 0
	}
	removed := 0
	for _, id := range ids {
		done, err := s.finished(ctx, id)
		if err != nil {
			s.logger.Warn("could not check finished state", "id", id, "error", err)
			continue
		}
		if !done {
			continue
		}
		ok, err := s.registry.Remove(ctx, id)
		if err != nil {
			s.logger.Warn("could not remove dispatcher", "id", id, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept idle dispatchers", "removed", removed)
	}
	return removed
}
