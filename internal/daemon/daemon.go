// Package daemon runs the background loops of the sync service.
//
// The daemon:
//  1. Runs a full sync on startup and then on a fixed interval
//  2. Retries unsynced outbox items
//  3. Drains the local audit queue
//  4. Reloads the audit classification rules when their file changes
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/audit"
	"github.com/tgthr/fieldsync/internal/outbox"
	fsync "github.com/tgthr/fieldsync/internal/sync"
)

// Syncer runs pull cycles.
type Syncer interface {
	FullSync(ctx context.Context) (fsync.Counts, error)
}

// Retrier re-pushes unsynced outbox items.
type Retrier interface {
	RetryPending(ctx context.Context) (outbox.RetrySummary, error)
}

// Drainer re-sends queued audit records.
type Drainer interface {
	Drain(ctx context.Context) (audit.DrainSummary, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a full sync runs.
	SyncInterval time.Duration

	// RetryInterval is how often unsynced outbox items are retried.
	RetryInterval time.Duration

	// DrainInterval is how often the audit queue is drained.
	DrainInterval time.Duration

	// RulesPath, if set, is watched and loaded into Classifier on change.
	RulesPath  string
	Classifier *audit.Classifier

	// DebounceInterval batches rapid writes to the rules file.
	DebounceInterval time.Duration

	// OnSync, if set, is called after every sync cycle the daemon runs.
	OnSync func(fsync.Counts, error)

	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     15 * time.Minute,
		RetryInterval:    time.Minute,
		DrainInterval:    time.Minute,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           logrus.StandardLogger().WithField("component", "daemon"),
	}
}

// Daemon schedules sync, retry and drain work.
type Daemon struct {
	syncer  Syncer
	retrier Retrier
	drainer Drainer
	config  *Config

	trigger chan struct{}
	watcher *RulesWatcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a daemon. retrier and drainer may be nil to disable those
// loops.
func New(syncer Syncer, retrier Retrier, drainer Drainer, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = def.DrainInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.RulesPath != "" && config.Classifier == nil {
		return nil, fmt.Errorf("rules path set without a classifier")
	}

	return &Daemon{
		syncer:  syncer,
		retrier: retrier,
		drainer: drainer,
		config:  config,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Perform an initial full sync (a failure is logged, not fatal)
//  2. Start the sync, retry and drain loops
//  3. Start watching the rules file, if configured
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.mu.Unlock()

	log := d.config.Logger
	log.Info("starting daemon")

	if d.config.RulesPath != "" {
		w, err := NewRulesWatcher(d.config.RulesPath, d.config.Classifier, d.config.DebounceInterval, log)
		if err != nil {
			cancel()
			d.setStopped()
			return err
		}
		if err := w.Start(); err != nil {
			cancel()
			d.setStopped()
			return err
		}
		d.watcher = w
		log.WithField("path", d.config.RulesPath).Info("watching audit rules")
	}

	d.runSync(runCtx)

	d.wg.Add(1)
	go d.syncLoop(runCtx)
	if d.retrier != nil {
		d.wg.Add(1)
		go d.every(runCtx, d.config.RetryInterval, d.retryOnce)
	}
	if d.drainer != nil {
		d.wg.Add(1)
		go d.every(runCtx, d.config.DrainInterval, d.drainOnce)
	}

	<-runCtx.Done()
	log.Info("shutdown signal received")
	d.shutdown()
	return nil
}

// Stop gracefully shuts down the daemon and waits for its loops to exit.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (d *Daemon) shutdown() {
	d.wg.Wait()
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.WithError(err).Warn("error closing rules watcher")
		}
		d.watcher = nil
	}
	d.setStopped()
	d.config.Logger.Info("daemon stopped")
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.cancel = nil
	if d.done != nil {
		close(d.done)
		d.done = nil
	}
	d.mu.Unlock()
}

// IsRunning reports whether Start is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// TriggerSync asks the sync loop to run a cycle now. It returns false if a
// request is already waiting.
func (d *Daemon) TriggerSync() bool {
	select {
	case d.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *Daemon) syncLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runSync(ctx)
		case <-d.trigger:
			d.runSync(ctx)
		}
	}
}

func (d *Daemon) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (d *Daemon) runSync(ctx context.Context) {
	counts, err := d.syncer.FullSync(ctx)
	switch {
	case errors.Is(err, fsync.ErrSyncInProgress):
		d.config.Logger.Debug("sync already in progress, skipping")
		return
	case err != nil:
		d.config.Logger.WithError(err).Error("sync failed")
	default:
		d.config.Logger.WithFields(logrus.Fields{
			"programs":     counts.Programs,
			"participants": counts.Participants,
			"enrollments":  counts.Enrollments,
			"dropped":      counts.Dropped,
		}).Info("sync complete")
	}
	if d.config.OnSync != nil {
		d.config.OnSync(counts, err)
	}
}

func (d *Daemon) retryOnce(ctx context.Context) {
	if _, err := d.retrier.RetryPending(ctx); err != nil {
		d.config.Logger.WithError(err).Error("outbox retry failed")
	}
}

func (d *Daemon) drainOnce(ctx context.Context) {
	if _, err := d.drainer.Drain(ctx); err != nil {
		d.config.Logger.WithError(err).Error("audit drain failed")
	}
}
