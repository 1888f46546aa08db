// Package main runs the credential pool daemon: it restores the pool, keeps access
// tokens fresh and snapshots the record set until it is signalled to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/credential-pool/internal/app"
	"github.com/credential-pool/internal/config"
	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.WithError(err).Fatal("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logging.WithError(err).Fatal("failed to start credential pool")
	}
	defer a.Close()
	logger := a.Logger.WithField("component", "daemon")

	// warm up tokens that are already inside the margin
	refreshed, failed := a.Pool.RefreshExpiring(ctx)
	logger.WithFields(map[string]interface{}{
		"refreshed": refreshed,
		"failed":    failed,
	}).Info("initial refresh sweep finished")

	refreshWorker, err := worker.NewRefreshWorker(a.Pool, cfg.Pool.SweepInterval)
	if err != nil {
		logger.WithError(err).Fatal("failed to create refresh worker")
	}
	snapshotWorker, err := worker.NewSnapshotWorker(a.Pool, a.Store, cfg.Pool.SnapshotInterval)
	if err != nil {
		logger.WithError(err).Fatal("failed to create snapshot worker")
	}

	if err := refreshWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start refresh worker")
	}
	if err := snapshotWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start snapshot worker")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if err := refreshWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("refresh worker did not stop cleanly")
	}
	// the snapshot worker writes the final state on stop
	if err := snapshotWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("final snapshot failed")
	}
	cancel()

	logger.Info("credential pool stopped")
}
