package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler triggers a full reconciliation run on a fixed cadence, 6h by
// default. A run still in flight when the ticker fires is skipped, not
// queued.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler wires the scheduler.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   log.New(log.Writer(), "[ReconcileScheduler] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Printf("Started (every %s)", s.interval)
		for {
			select {
			case <-ticker.C:
				if _, err := s.engine.Run(ctx, RunScheduled, nil); err != nil {
					if err == ErrRunInProgress {
						s.logger.Println("Skipped: a run is already in progress")
						continue
					}
					if ctx.Err() == nil {
						s.logger.Printf("Scheduled run failed: %v", err)
					}
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop and waits for it to exit. An in-flight run finishes
// its current invoice batch via context cancellation in main.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Println("Stopped")
}

// TriggerManual kicks off an immediate manual run, optionally targeted.
func (s *Scheduler) TriggerManual(ctx context.Context, invoiceIDs []uuid.UUID) (*Summary, error) {
	runType := RunManual
	if len(invoiceIDs) > 0 {
		runType = RunPartial
	}
	return s.engine.Run(ctx, runType, invoiceIDs)
}
