package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fcasoni/cadence/internal/config"
	"github.com/fcasoni/cadence/internal/engine"
	"github.com/fcasoni/cadence/internal/httpapi"
	"github.com/fcasoni/cadence/internal/notify"
	"github.com/fcasoni/cadence/internal/observability"
	"github.com/fcasoni/cadence/internal/routine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	routineStore, err := routine.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("routine store init failed: %v", err)
	}
	defer routineStore.Close()

	sessionStore, err := engine.NewSessionStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer sessionStore.Close()

	policy, err := engine.ParseDriftPolicy(cfg.DriftPolicy)
	if err != nil {
		log.Fatalf("drift policy: %v", err)
	}

	// Every published snapshot counts toward the drift histogram, whether it
	// came from a tick or a user event.
	notifier := notify.Fanout{
		notify.NewLogNotifier(),
		notify.FuncNotifier(func(snap engine.ProgressSnapshot) {
			metrics.ObserveSnapshot(time.Duration(snap.DriftSeconds) * time.Second)
		}),
	}

	coordinator := engine.NewCoordinator(routineStore, sessionStore, notifier, policy)
	if err := coordinator.Rehydrate(ctx); err != nil {
		log.Fatalf("session rehydration failed: %v", err)
	}
	metrics.RunningSessions.Set(float64(coordinator.RunningCount()))
	log.Printf("rehydrated %d running session(s)", coordinator.RunningCount())

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	coordinator.StartTicker(runCtx, cfg.TickInterval)

	api := httpapi.New(cfg, coordinator, routineStore, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
