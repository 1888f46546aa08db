// Package worker runs the periodic background jobs of the credential pool.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/credential-pool/internal/logging"
)

// Refresher refreshes every credential close to expiry
type Refresher interface {
	RefreshExpiring(ctx context.Context) (refreshed int, failed int)
}

// RefreshWorker periodically refreshes tokens ahead of expiry so acquire rarely blocks
// on a token exchange
type RefreshWorker struct {
	refresher Refresher
	interval  time.Duration
	logger    *logging.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stats   RefreshWorkerStatus
}

// RefreshWorkerStatus reports what the worker has done so far
type RefreshWorkerStatus struct {
	Running        bool      `json:"running"`
	LastSweepAt    time.Time `json:"lastSweepAt"`
	Sweeps         int       `json:"sweeps"`
	TotalRefreshed int       `json:"totalRefreshed"`
	TotalFailed    int       `json:"totalFailed"`
}

// NewRefreshWorker creates a new refresh worker
func NewRefreshWorker(refresher Refresher, interval time.Duration) (*RefreshWorker, error) {
	if refresher == nil {
		return nil, fmt.Errorf("refresher cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	return &RefreshWorker{
		refresher: refresher,
		interval:  interval,
		logger:    logging.GetGlobalLogger().WithField("component", "refresh_worker"),
	}, nil
}

// Start begins sweeping in a goroutine
func (w *RefreshWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("refresh worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.logger.WithField("interval", w.interval.String()).Info("starting refresh worker")
	go w.loop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop signals the loop and waits for the sweep in progress to finish
func (w *RefreshWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("refresh worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.logger.Info("refresh worker stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *RefreshWorker) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs one refresh pass
func (w *RefreshWorker) sweep(ctx context.Context) {
	start := time.Now()
	refreshed, failed := w.refresher.RefreshExpiring(ctx)

	w.mu.Lock()
	w.stats.LastSweepAt = start
	w.stats.Sweeps++
	w.stats.TotalRefreshed += refreshed
	w.stats.TotalFailed += failed
	w.mu.Unlock()

	if refreshed == 0 && failed == 0 {
		return
	}
	l := w.logger.WithFields(map[string]interface{}{
		"refreshed":  refreshed,
		"failed":     failed,
		"durationMs": time.Since(start).Milliseconds(),
	})
	if failed > 0 {
		l.Warn("refresh sweep finished with failures")
		return
	}
	l.Info("refresh sweep finished")
}

// GetStatus returns the current worker status
func (w *RefreshWorker) GetStatus() *RefreshWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := w.stats
	status.Running = w.running
	return &status
}
