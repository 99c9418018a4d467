package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tgthr/fieldsync/internal/config"
	"github.com/tgthr/fieldsync/internal/logging"
)

var (
	configFile string
	logLevel   string

	cfg       *config.Config
	vip       *viper.Viper
	logger    *logrus.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first cache and audit relay for field case work",
	Long: `fieldsync mirrors programs, participants, enrollments and benefit
assignments from the remote system of record into a local SQLite cache,
pushes locally created records back, and relays access audit records.

Settings come from fieldsync.yaml, .env and FIELDSYNC_* environment
variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, v, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}

		l, closer, err := logging.New(logging.Options{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}

		cfg, vip, logger, logCloser = c, v, l, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./fieldsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
