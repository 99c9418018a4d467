package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tgthr/fieldsync/internal/audit"
	"github.com/tgthr/fieldsync/internal/cache"
	"github.com/tgthr/fieldsync/internal/config"
	"github.com/tgthr/fieldsync/internal/daemon"
	"github.com/tgthr/fieldsync/internal/dashboard"
	"github.com/tgthr/fieldsync/internal/logging"
	"github.com/tgthr/fieldsync/internal/model"
	"github.com/tgthr/fieldsync/internal/outbox"
	fsync "github.com/tgthr/fieldsync/internal/sync"
	"github.com/tgthr/fieldsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the HTTP API and the background sync daemon",
	Long: `Start the HTTP API together with the background loops.

The daemon runs a full sync at start and on every sync interval, retries
unsynced outbox items and drains the audit queue. Every request to a
protected route is audited.

Endpoints:
  POST /api/sync/run-full               run a full sync now (?wait=false queues it)
  GET  /api/sync/status                 cache status
  GET  /api/sync/active-enrollments     active enrollments with a baseline hash
  GET  /api/sync/enrollments/{local_id} one cached enrollment
  POST /api/sync/outbox                 submit a locally created record
  POST /api/sync/outbox/retry           retry unsynced records
  GET  /api/sync/outbox/{local_id}      one outbox record
  GET  /health                          liveness
  GET  /metrics                         Prometheus metrics
  GET  /ws                              live event stream

Edits to the config file reload the program allow-list and log level.
Edits to the audit rules file (audit.rules_path) reload classification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// The server's event handler exists only after the server is built;
		// the hooks are not called before then.
		var events *dashboard.Handler
		a, err := openApp(ctx, cfg, logger, false, hooks{
			onOutbox:      func(r outbox.Result) { events.OnOutbox(r) },
			onAuditQueued: func(rec *model.AuditRecord) { events.OnAuditQueued(rec) },
		})
		if err != nil {
			return err
		}
		defer a.Close()

		api := dashboard.NewAPI(a.syncer, a.pusher, a.db, logger.WithField("component", "api"))
		server := dashboard.NewServer(&dashboard.Config{
			Addr:    cfg.Server.Addr,
			Logger:  logger.WithField("component", "dashboard"),
			Metrics: a.metrics,
			Relay:   a.relay,
		}, api)
		events = server.Events()

		d, err := daemon.New(a.syncer, a.pusher, a.relay, &daemon.Config{
			SyncInterval:     cfg.Daemon.SyncInterval,
			RetryInterval:    cfg.Daemon.RetryInterval,
			DrainInterval:    cfg.Daemon.DrainInterval,
			RulesPath:        cfg.Audit.RulesPath,
			Classifier:       a.relay.Classifier(),
			DebounceInterval: daemon.DefaultConfig().DebounceInterval,
			OnSync:           func(c fsync.Counts, err error) { events.OnSync(c, err) },
			Logger:           logger.WithField("component", "daemon"),
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}
		api.SetTrigger(d)

		watchConfig(a.syncer)

		if err := server.Start(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s fieldsync serving on http://%s\n", ui.RenderAccent("●"), server.GetAddr())
		fmt.Fprintf(out, "   Cache: %s\n", cfg.Cache.Path)
		fmt.Fprintf(out, "   WebSocket: ws://%s/ws\n", server.GetAddr())
		fmt.Fprintln(out, "\nPress Ctrl+C to stop")

		err = runDaemon(ctx, d, out, logger)
		if stopErr := server.Stop(); stopErr != nil {
			return stopErr
		}
		return err
	},
}

// daemonRunner is the part of the daemon serve drives.
type daemonRunner interface {
	Start(ctx context.Context) error
	Stop() error
}

// runDaemon runs d until ctx is done or d exits on its own. It returns only
// after Start has returned, so the cache is not closed under a cycle still
// in flight. A signal that lands before Start registers its cancel func
// makes Stop a no-op.
func runDaemon(ctx context.Context, d daemonRunner, out io.Writer, log logrus.FieldLogger) error {
	daemonErr := make(chan error, 1)
	go func() { daemonErr <- d.Start(ctx) }()

	var err error
	exited := false
	select {
	case <-ctx.Done():
	case err = <-daemonErr:
		exited = true
		if err != nil {
			log.WithError(err).Error("daemon stopped")
		}
	}

	fmt.Fprintln(out, "\nShutting down...")
	if stopErr := d.Stop(); stopErr != nil {
		log.WithError(stopErr).Warn("daemon shutdown error")
	}
	if !exited {
		err = <-daemonErr
	}
	return err
}

// watchConfig applies config file edits that are safe to change at runtime.
func watchConfig(syncer fsync.Syncer) {
	ok := config.Watch(vip, func(c *config.Config) {
		syncer.SetProgramPrefixes(c.Sync.ProgramPrefixes)
		if err := logging.SetLevel(logger, c.Log.Level); err != nil {
			logger.WithError(err).Warn("ignoring log level from reloaded config")
		}
		logger.WithField("programs", c.Sync.ProgramPrefixes).Info("config reloaded")
	}, func(err error) {
		logger.WithError(err).Warn("config reload failed, keeping previous settings")
	})
	if !ok {
		logger.Debug("no config file in use, not watching")
	}
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

var (
	_ daemonRunner            = (*daemon.Daemon)(nil)
	_ dashboard.SyncTrigger   = (*daemon.Daemon)(nil)
	_ dashboard.CacheReader   = (*cache.DB)(nil)
	_ daemon.Drainer          = (*audit.Relay)(nil)
	_ daemon.Retrier          = (*outbox.Pusher)(nil)
	_ dashboard.OutboxService = (*outbox.Pusher)(nil)
)
