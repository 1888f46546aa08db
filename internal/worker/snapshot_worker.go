package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/pool"
	"github.com/credential-pool/internal/types"
)

// RecordSource exports the current record set and takes in records changed elsewhere
type RecordSource interface {
	Records() []types.Credential
	Merge(records []types.Credential) pool.MergeResult
}

// RecordStore loads and upserts record sets
type RecordStore interface {
	LoadAll(ctx context.Context) ([]types.Credential, error)
	SaveAll(ctx context.Context, records []types.Credential) error
}

// SnapshotWorker periodically syncs the pool with the store. Changes written by other
// processes (the admin CLI) are merged in first, then usage stamps, failure counts and
// refreshed tokens are written back. Stop runs one final sync.
type SnapshotWorker struct {
	source   RecordSource
	saver    RecordStore
	interval time.Duration
	logger   *logging.Logger

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastSave time.Time
	lastErr  error
}

// NewSnapshotWorker creates a new snapshot worker
func NewSnapshotWorker(source RecordSource, saver RecordStore, interval time.Duration) (*SnapshotWorker, error) {
	if source == nil {
		return nil, fmt.Errorf("record source cannot be nil")
	}
	if saver == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("snapshot interval must be positive")
	}
	return &SnapshotWorker{
		source:   source,
		saver:    saver,
		interval: interval,
		logger:   logging.GetGlobalLogger().WithField("component", "snapshot_worker"),
	}, nil
}

// Start begins saving in a goroutine
func (w *SnapshotWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("snapshot worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.logger.WithField("interval", w.interval.String()).Info("starting snapshot worker")
	go w.loop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop ends the loop and writes a final snapshot with ctx
func (w *SnapshotWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("snapshot worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if err := w.Save(ctx); err != nil {
		return err
	}
	w.logger.Info("snapshot worker stopped")
	return nil
}

func (w *SnapshotWorker) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
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
			if err := w.Save(ctx); err != nil {
				w.logger.WithError(err).Error("snapshot failed")
			}
		}
	}
}

// Save merges the stored record set into the source, then writes the source back.
// Nothing is written when loading fails, so a record deleted from the store is never
// written again from a stale copy.
func (w *SnapshotWorker) Save(ctx context.Context) error {
	stored, err := w.saver.LoadAll(ctx)
	if err != nil {
		w.setResult(err)
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	merged := w.source.Merge(stored)

	records := w.source.Records()
	err = w.saver.SaveAll(ctx, records)
	w.setResult(err)
	if err != nil {
		return fmt.Errorf("failed to save %d credentials: %w", len(records), err)
	}

	w.logger.WithFields(map[string]interface{}{
		"credentials": len(records),
		"added":       merged.Added,
		"updated":     merged.Updated,
		"removed":     merged.Removed,
	}).Debug("snapshot synced")
	return nil
}

func (w *SnapshotWorker) setResult(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	if err == nil {
		w.lastSave = time.Now()
	}
}

// LastSave returns the time of the last successful save and the last error
func (w *SnapshotWorker) LastSave() (time.Time, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSave, w.lastErr
}
