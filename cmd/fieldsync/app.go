package main

import (
	"context"
	"fmt"
	"net/http"
	"os/user"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/audit"
	"github.com/tgthr/fieldsync/internal/cache"
	"github.com/tgthr/fieldsync/internal/config"
	"github.com/tgthr/fieldsync/internal/metrics"
	"github.com/tgthr/fieldsync/internal/model"
	"github.com/tgthr/fieldsync/internal/outbox"
	"github.com/tgthr/fieldsync/internal/reconcile"
	"github.com/tgthr/fieldsync/internal/remote"
	fsync "github.com/tgthr/fieldsync/internal/sync"
)

// app holds the wired components for one command invocation.
type app struct {
	db      *cache.DB
	client  *remote.Client // nil when opened offline
	syncer  fsync.Syncer
	pusher  *outbox.Pusher
	relay   *audit.Relay
	metrics *metrics.Metrics
}

// hooks receive events from the pusher and the relay.
type hooks struct {
	onOutbox      func(outbox.Result)
	onAuditQueued func(*model.AuditRecord)
}

// openApp opens the cache and, unless offline, the remote client. Offline
// apps can report status but cannot sync, push or relay.
func openApp(ctx context.Context, c *config.Config, log *logrus.Logger, offline bool, h hooks) (*app, error) {
	a := &app{metrics: metrics.New()}

	db, err := cache.OpenOrRebuild(ctx, c.Cache.Path, log.WithField("component", "cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", c.Cache.Path, err)
	}
	a.db = db

	if !offline {
		client, err := newClient(c, log)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.client = client
	}

	rec := reconcile.New(db, a.updater(), reconcile.Config{
		KeyField:  c.Sync.KeyField,
		WriteBack: c.Sync.WriteBack,
	}, log.WithField("component", "reconcile"))

	a.syncer = fsync.New(db, a.querier(), rec, fsync.Config{
		ProgramPrefixes: c.Sync.ProgramPrefixes,
		SkipBenefits:    c.Sync.SkipBenefits,
		Metrics:         a.metrics,
	}, log.WithField("component", "sync"))

	if a.client != nil {
		a.pusher = outbox.New(db, a.client, outbox.Config{
			NoteObject: c.Outbox.NoteObject,
			Procedure:  c.Outbox.Procedure,
			KeyField:   c.Sync.KeyField,
			Metrics:    a.metrics,
			Notify:     h.onOutbox,
		}, log.WithField("component", "outbox"))

		a.relay = audit.New(a.client, db, audit.Config{
			Object:      c.Audit.Object,
			Application: c.Audit.Application,
			DrainBatch:  c.Audit.DrainBatch,
			Metrics:     a.metrics,
			OnQueued:    h.onAuditQueued,
		}, log.WithField("component", "audit"))
	}

	return a, nil
}

func newClient(c *config.Config, log *logrus.Logger) (*remote.Client, error) {
	if err := c.RequireRemote(); err != nil {
		return nil, err
	}
	pem, err := c.Remote.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	return remote.New(remote.Config{
		LoginURL:      c.Remote.LoginURL,
		ClientID:      c.Remote.ClientID,
		Username:      c.Remote.Username,
		PrivateKeyPEM: pem,
		APIVersion:    c.Remote.APIVersion,
		Timeout:       c.Remote.Timeout,
	}, log.WithField("component", "remote"))
}

// querier and updater keep a nil client from becoming a non-nil interface.
func (a *app) querier() fsync.Querier {
	if a.client == nil {
		return nil
	}
	return a.client
}

func (a *app) updater() reconcile.Updater {
	if a.client == nil {
		return nil
	}
	return a.client
}

// auditSync writes the audit record for a sync started from the command
// line. It uses the action the HTTP route for the same operation gets.
func (a *app) auditSync(ctx context.Context, counts fsync.Counts, elapsed time.Duration, err error) audit.Delivery {
	if a.relay == nil {
		return audit.Skipped
	}
	action, ok := a.relay.Classifier().Classify(http.MethodPost, "/api/sync/run-full")
	if !ok {
		return audit.Skipped
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	rec := &model.AuditRecord{
		ActionType: action,
		EventType:  audit.EventType(status),
		Status:     audit.StatusText(status),
		Description: fmt.Sprintf("CLI full sync - %d programs, %d participants, %d enrollments - %dms",
			counts.Programs, counts.Participants, counts.Enrollments, elapsed.Milliseconds()),
		Context: map[string]any{
			"source":      "cli",
			"counts":      counts,
			"duration_ms": elapsed.Milliseconds(),
		},
	}
	if u, uerr := user.Current(); uerr == nil {
		rec.Context["os_user"] = u.Username
	}
	if err != nil {
		rec.Context["error"] = err.Error()
		rec.Context["error_type"] = "FAILED_ACCESS_ATTEMPT"
	}
	return a.relay.Record(ctx, rec)
}

func (a *app) Close() error {
	return a.db.Close()
}
