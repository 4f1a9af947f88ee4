package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/client"
	"github.com/stemsi/exstem-sync/internal/engine"
)

func newMonitorCmd(configPath *string) *cobra.Command {
	var once, forceEnd bool

	cmd := &cobra.Command{
		Use:   "monitor <assessment-id>",
		Short: "Watch assessment progress as a proctor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assessmentID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid assessment id: %w", err)
			}
			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}

			clock := clockwork.NewRealClock()
			sched := engine.NewScheduler(clock)
			m := engine.NewMonitor(client.NewFromConfig(env.cfg, env.log), sched, env.log, engine.MonitorConfig{
				AssessmentID:  assessmentID,
				PollInterval:  env.cfg.MonitorPoll,
				AutoEndOnZero: env.cfg.AutoEndOnZero && !once,
			})
			defer sched.Wait()
			defer m.Stop()

			opts := monitorOptions{once: once, forceEnd: forceEnd, refresh: env.cfg.MonitorPoll}
			return runMonitor(cmd.Context(), m, clock, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print one snapshot and exit")
	cmd.Flags().BoolVar(&forceEnd, "force-end", false, "end every running session, print the result and exit")
	return cmd
}

type monitorOptions struct {
	once     bool
	forceEnd bool
	refresh  time.Duration
}

// runMonitor prints the monitor view after the first poll and then every
// refresh interval. Line commands: end, refresh, quit.
func runMonitor(ctx context.Context, m *engine.Monitor, clock clockwork.Clock, opts monitorOptions, in io.Reader, out io.Writer) error {
	if err := m.Start(ctx); err != nil {
		renderError(out, err)
		if opts.once || opts.forceEnd {
			return err
		}
	}

	if opts.forceEnd {
		if err := m.ForceEnd(ctx, false); err != nil {
			return err
		}
		renderMonitor(out, m.View())
		return nil
	}
	renderMonitor(out, m.View())
	if opts.once {
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(stop, in)

	ticker := clock.NewTicker(opts.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			renderMonitor(out, m.View())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
			case "end", "e":
				if err := m.ForceEnd(ctx, false); err != nil {
					renderError(out, err)
					continue
				}
				renderMonitor(out, m.View())
			case "refresh", "r":
				if err := m.Poll(ctx); err != nil {
					renderError(out, err)
				}
				renderMonitor(out, m.View())
			case "quit", "q":
				return nil
			default:
				fmt.Fprintln(out, "commands: end, refresh, quit")
			}
		}
	}
}
