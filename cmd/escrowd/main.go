package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/example/escrowd/internal/api"
	"github.com/example/escrowd/internal/config"
	"github.com/example/escrowd/internal/dispute"
	"github.com/example/escrowd/internal/escrow"
	"github.com/example/escrowd/internal/events"
	"github.com/example/escrowd/internal/ledger"
	"github.com/example/escrowd/internal/mediation"
	"github.com/example/escrowd/internal/milestone"
	"github.com/example/escrowd/internal/payout"
	"github.com/example/escrowd/internal/sweeper"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
	} else {
		publisher = &events.LogPublisher{Logger: logger}
	}

	provider := escrow.NewSandboxProvider()
	escrowMgr := escrow.NewManager(store, provider, logger)
	distributor := payout.NewDistributor(store, escrowMgr, logger)

	milestones := milestone.NewService(store, escrowMgr, distributor, milestone.Policy{
		VerificationDeadline: cfg.Policy.VerificationDeadline.Std(),
		DisputeWindow:        cfg.Policy.DisputeWindow.Std(),
		FundingAttempts:      cfg.Policy.FundingAttempts,
		FundingBackoffBase:   cfg.Policy.FundingBackoffBase.Std(),
	}, logger)

	disputes := dispute.NewCoordinator(store, escrowMgr, distributor, dispute.StandardRules{}, dispute.Policy{
		EvidenceWindow:    cfg.Policy.EvidenceWindow.Std(),
		InactivityTimeout: cfg.Policy.InactivityTimeout.Std(),
	}, logger)

	assigner := &mediation.RoundRobinAssigner{Mediators: cfg.Policy.Mediators}
	mediationWF := mediation.NewWorkflow(store, distributor, assigner, logger)

	sw := sweeper.New(store, milestones, disputes, mediationWF, distributor, escrowMgr, sweeper.Config{
		Interval:          cfg.Policy.SweepInterval.Std(),
		BatchSize:         cfg.Policy.SweepBatchSize,
		InactivityTimeout: cfg.Policy.InactivityTimeout.Std(),
		RepairBudget:      cfg.Policy.RepairBudget,
	}, logger)

	relay := events.NewRelay(store, publisher, logger, cfg.Policy.RelayInterval.Std())

	router := api.NewRouter(api.Dependencies{
		Logger:     logger,
		Milestones: milestones,
		Disputes:   disputes,
		Mediation:  mediationWF,
		Payouts:    distributor,
		Store:      store,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("escrow engine listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := ledger.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case "sqlite":
		store, err := ledger.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return ledger.NewMemoryStore(), func() {}, nil
	}
}
