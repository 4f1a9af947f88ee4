// Package cli defines the exstem command line: a participant session runner,
// a proctor monitor and small helpers around them.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/logger"
)

var version = "dev" // set via ldflags at build time

// NewRootCmd builds the exstem command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "exstem",
		Short:         "Timed assessment sessions from the terminal",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML file overlaying environment settings")

	root.AddCommand(newTakeCmd(&configPath))
	root.AddCommand(newMonitorCmd(&configPath))
	root.AddCommand(newResultCmd(&configPath))
	root.AddCommand(newTokenCmd(&configPath))
	return root
}

type cliEnv struct {
	cfg *config.ClientConfig
	log zerolog.Logger
}

func loadEnv(configPath string) (*cliEnv, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfg: cfg, log: logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)}, nil
}
