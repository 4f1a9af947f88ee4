package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var migrationDir string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the exstem-sync schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&migrationDir, "path", "migrations", "path to migration files")

	root.AddCommand(
		&cobra.Command{
			Use:   "up [n]",
			Short: "Apply all or the next n migrations",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withMigrator(migrationDir, func(m *migrate.Migrate, log zerolog.Logger) error {
					n, err := optionalSteps(args)
					if err != nil {
						return err
					}
					if n > 0 {
						err = m.Steps(n)
					} else {
						err = m.Up()
					}
					return report(log, "up", err)
				})
			},
		},
		&cobra.Command{
			Use:   "down [n]",
			Short: "Revert all or the last n migrations",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withMigrator(migrationDir, func(m *migrate.Migrate, log zerolog.Logger) error {
					n, err := optionalSteps(args)
					if err != nil {
						return err
					}
					if n > 0 {
						err = m.Steps(-n)
					} else {
						err = m.Down()
					}
					return report(log, "down", err)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(migrationDir, func(m *migrate.Migrate, _ zerolog.Logger) error {
					version, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Version: none")
						return nil
					}
					if err != nil {
						return fmt.Errorf("read version: %w", err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Version: %d, Dirty: %t\n", version, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(migrationDir, func(m *migrate.Migrate, log zerolog.Logger) error {
					if err := m.Force(v); err != nil {
						return fmt.Errorf("force version: %w", err)
					}
					log.Info().Int("version", v).Msg("Forced schema version")
					return nil
				})
			},
		},
	)
	return root
}

func withMigrator(dir string, fn func(*migrate.Migrate, zerolog.Logger) error) error {
	cfg := config.Load()
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	m, err := migrate.New("file://"+dir, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("Closing migrator failed")
		}
	}()
	return fn(m, log)
}

func optionalSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("steps must be a positive number, got %q", args[0])
	}
	return n, nil
}

func report(log zerolog.Logger, direction string, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Str("direction", direction).Msg("Schema already current")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	log.Info().Str("direction", direction).Msg("Migrations applied")
	return nil
}
