package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/audit"
)

// RulesWatcher reloads the audit classification table when its file
// changes. The parent directory is watched so that editors which replace
// the file by rename are picked up.
type RulesWatcher struct {
	path       string
	classifier *audit.Classifier
	debounce   time.Duration
	logger     logrus.FieldLogger

	watcher *fsnotify.Watcher
	reloads chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRulesWatcher creates a watcher for path. It must be started with Start.
func NewRulesWatcher(path string, c *audit.Classifier, debounce time.Duration, logger logrus.FieldLogger) (*RulesWatcher, error) {
	if c == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rules path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "rules-watcher")
	}
	return &RulesWatcher{
		path:       abs,
		classifier: c,
		debounce:   debounce,
		logger:     logger,
		watcher:    w,
		reloads:    make(chan error, 10),
		done:       make(chan struct{}),
	}, nil
}

// Start loads the current rules and begins watching for changes.
func (rw *RulesWatcher) Start() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := rw.reload(); err != nil {
		return err
	}
	if err := rw.watcher.Add(filepath.Dir(rw.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(rw.path), err)
	}

	rw.running = true
	rw.wg.Add(1)
	go rw.processEvents()
	return nil
}

// Stop stops watching. It blocks until the event loop has exited.
func (rw *RulesWatcher) Stop() error {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.done)
	if err := rw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	rw.wg.Wait()
	close(rw.reloads)
	return nil
}

// Reloads emits the outcome of every reload after Start: nil on success.
// Sends are dropped if nobody reads. The channel is closed by Stop.
func (rw *RulesWatcher) Reloads() <-chan error {
	return rw.reloads
}

func (rw *RulesWatcher) reload() error {
	rules, err := audit.LoadRules(rw.path)
	if err != nil {
		return err
	}
	rw.classifier.SetRules(rules)
	rw.logger.WithFields(logrus.Fields{
		"path":  rw.path,
		"rules": len(rules.Rules),
	}).Info("audit rules loaded")
	return nil
}

func (rw *RulesWatcher) processEvents() {
	defer rw.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-rw.done:
			return

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != rw.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(rw.debounce)
			} else {
				timer.Reset(rw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			err := rw.reload()
			if err != nil {
				rw.logger.WithError(err).Warn("audit rules reload failed, keeping previous rules")
			}
			select {
			case rw.reloads <- err:
			default:
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.WithError(err).Warn("watcher error")
		}
	}
}
