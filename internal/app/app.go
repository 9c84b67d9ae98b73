// Package app is the command-line entrypoint wiring for the mail ingestion
// service.
package app

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/config"
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "mailsync",
		Short:        "Email ingestion and thread correlation for the freight CRM",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd(), setupCmd())
	return root.Execute()
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return logrus.NewEntry(log)
}

func loadConfig() (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}
