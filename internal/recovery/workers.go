package recovery

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/saga"
)

// WorkerConfig holds the cadences of the long-running pipeline workers.
type WorkerConfig struct {
	TickInterval      time.Duration // recovery tick, default 30s
	StuckScanInterval time.Duration // stuck-saga scan, default 5m
	DLQSampleInterval time.Duration // DLQ depth sampler, default 10m
}

// DefaultWorkerConfig returns the production cadences.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		TickInterval:      30 * time.Second,
		StuckScanInterval: 5 * time.Minute,
		DLQSampleInterval: 10 * time.Minute,
	}
}

// Workers runs the pipeline's background loops: the retry tick, the
// stuck-saga scan and the DLQ depth sampler. Each loop finishes its current
// unit of work on shutdown; every unit ends at a saga state boundary, so
// the log stays consistent across restarts.
type Workers struct {
	pipeline *Pipeline
	sagas    *saga.Manager
	obs      *metrics.Metrics
	cfg      WorkerConfig
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkers wires the worker set; call Start to launch the loops.
func NewWorkers(pipeline *Pipeline, sagas *saga.Manager, obs *metrics.Metrics, cfg WorkerConfig) *Workers {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.StuckScanInterval <= 0 {
		cfg.StuckScanInterval = 5 * time.Minute
	}
	if cfg.DLQSampleInterval <= 0 {
		cfg.DLQSampleInterval = 10 * time.Minute
	}
	return &Workers{
		pipeline: pipeline,
		sagas:    sagas,
		obs:      obs,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[RecoveryWorkers] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the three loops.
func (w *Workers) Start(ctx context.Context) {
	w.wg.Add(3)
	go w.loop(ctx, "tick", w.cfg.TickInterval, w.tick)
	go w.loop(ctx, "stuck-scan", w.cfg.StuckScanInterval, w.stuckScan)
	go w.loop(ctx, "dlq-sample", w.cfg.DLQSampleInterval, w.sampleDLQ)
	w.logger.Printf("Started (tick=%s stuck=%s dlq=%s)",
		w.cfg.TickInterval, w.cfg.StuckScanInterval, w.cfg.DLQSampleInterval)
}

// Stop signals the loops and waits for in-flight units of work.
func (w *Workers) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.logger.Println("Stopped")
}

func (w *Workers) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Workers) tick(ctx context.Context) {
	if err := w.pipeline.Tick(ctx); err != nil && ctx.Err() == nil {
		w.logger.Printf("tick failed: %v", err)
	}
}

func (w *Workers) stuckScan(ctx context.Context) {
	stuck, err := w.sagas.Stuck(ctx)
	if err != nil {
		w.logger.Printf("stuck scan failed: %v", err)
		return
	}
	if w.obs != nil {
		w.obs.StuckSagas.Set(float64(len(stuck)))
	}
	if len(stuck) == 0 {
		return
	}
	for _, s := range stuck {
		w.logger.Printf("⚠️  stuck saga %s op=%s state=%s updated=%s",
			s.CorrelationID, s.OperationType, s.CurrentState, s.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.pipeline.store.InsertHealthMetric(ctx, &metrics.HealthMetric{
		MetricType: metrics.MetricStuckTransactions,
		MetricName: "stuck_saga_count",
		Value:      float64(len(stuck)),
		RecordedAt: time.Now(),
	})
}

func (w *Workers) sampleDLQ(ctx context.Context) {
	depth, err := w.pipeline.store.DLQDepth(ctx)
	if err != nil {
		w.logger.Printf("dlq sample failed: %v", err)
		return
	}
	if w.obs != nil {
		w.obs.DLQDepth.Set(float64(depth))
	}
	_ = w.pipeline.store.InsertHealthMetric(ctx, &metrics.HealthMetric{
		MetricType: metrics.MetricDLQSize,
		MetricName: "dlq_depth",
		Value:      float64(depth),
		RecordedAt: time.Now(),
	})
}
