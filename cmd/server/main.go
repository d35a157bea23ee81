package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/torc/backend/internal/api"
	"github.com/torc/backend/internal/circuitbreaker"
	"github.com/torc/backend/internal/config"
	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/events"
	"github.com/torc/backend/internal/ingest"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/reconcile"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
	"github.com/torc/backend/internal/store"
)

// torcStore is the full persistence surface every component draws from.
type torcStore interface {
	saga.Store
	recovery.Store
	escrow.Store
	ingest.Store
	reconcile.Store
	metrics.HealthStore
}

func main() {
	log.Println("🔥 Starting Transaction Orchestration Core...")

	_ = godotenv.Load()
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	profilesPath := os.Getenv("PROFILES_PATH")
	if profilesPath == "" {
		profilesPath = "profiles.yaml"
	}
	manager, err := config.NewManager(cfgPath, profilesPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	profile := os.Getenv("APP_ENV")
	cfg := manager.Get(profile)
	if profile != "" {
		log.Printf("Profile %q active", profile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres in production, the in-memory store for local
	// runs without a database.
	var st torcStore
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		st = pg
	} else {
		log.Println("⚠️  DATABASE_URL not set, using in-memory store (state is not durable)")
		st = store.NewMemoryStore()
	}

	obs := metrics.New(prometheus.DefaultRegisterer)

	// Ledger client. The RPC binding ships separately; without it the mock
	// ledger backs dev and test deployments.
	var lc ledger.Client
	switch cfg.Ledger.Mode {
	case "mock":
		mock := ledger.NewMockClient()
		mock.Treasury = cfg.Ledger.Treasury
		lc = mock
	default:
		log.Fatalf("ledger mode %q: rpc binding not bundled with this build", cfg.Ledger.Mode)
	}
	lc = ledger.Guard(lc, circuitbreaker.New(circuitbreaker.LedgerConfig()), obs)

	// Event sink: Redis Pub/Sub when configured, in-process bus otherwise.
	var emitter events.Emitter
	if cfg.Redis.Addr != "" {
		redisBus, err := events.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisBus.Close()
		emitter = redisBus
	} else {
		emitter = events.NewBus()
	}

	sagas := saga.NewManager(st)
	sagas.SetStuckThreshold(cfg.Recovery.StuckThreshold())

	registry := recovery.NewRegistry()
	pipeline := recovery.NewPipeline(st, sagas, registry, obs, recovery.Config{
		MaxRetries:        cfg.Recovery.MaxRetries,
		BackoffCapMinutes: cfg.Recovery.BackoffCapMinutes,
		BatchSize:         cfg.Recovery.BatchSize,
	})

	escrows := escrow.NewService(st, lc, sagas, pipeline, emitter, obs, escrow.Config{
		FeeBps:           cfg.Escrow.FeeBps,
		QuorumPct:        cfg.Escrow.QuorumPct,
		MultiSigRequired: cfg.Escrow.MultiSigRequired,
		Admins:           cfg.Escrow.Admins,
	})
	escrows.RegisterRecovery(registry)
	registerOperatorCompensations(registry)

	ingestor := ingest.New(st, lc, sagas, pipeline, obs)
	ingestor.RegisterRecovery(registry)
	go func() {
		if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("ingestor stopped: %v", err)
		}
	}()

	engine := reconcile.NewEngine(st, lc, obs, reconcile.Config{
		BatchSize: cfg.Reconciliation.BatchSize,
	})
	scheduler := reconcile.NewScheduler(engine, cfg.Reconciliation.Interval())
	scheduler.Start(ctx)

	workers := recovery.NewWorkers(pipeline, sagas, obs, recovery.WorkerConfig{
		TickInterval:      cfg.Recovery.TickInterval(),
		StuckScanInterval: cfg.Recovery.StuckScanInterval(),
		DLQSampleInterval: cfg.Recovery.DLQSampleInterval(),
	})
	workers.Start(ctx)

	server := api.NewServer(escrows, sagas, pipeline, engine, scheduler, st)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
	case err := <-errCh:
		log.Printf("Server failed: %v", err)
	}

	cancel()
	workers.Stop()
	scheduler.Stop()
	log.Println("Bye 👋")
}

// registerOperatorCompensations binds the compensation paths that have no
// owning service: they produce the operator instruction recorded on the
// action row.
func registerOperatorCompensations(registry *recovery.Registry) {
	registry.RegisterCompensation("unwind_external_liquidity",
		func(ctx context.Context, action *recovery.CompensationAction) (string, error) {
			return fmt.Sprintf("unwind external liquidity position for %s: %v",
				action.CorrelationID, action.ActionData), nil
		})
	registry.RegisterCompensation("manual_review",
		func(ctx context.Context, action *recovery.CompensationAction) (string, error) {
			return fmt.Sprintf("flagged for manual review: %s", action.CorrelationID), nil
		})
}
