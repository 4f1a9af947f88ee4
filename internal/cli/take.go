package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/client"
	"github.com/stemsi/exstem-sync/internal/engine"
	"github.com/stemsi/exstem-sync/internal/store"
)

const takeHelp = `commands:
  answer <key> (a)   select an option for the current item
  next (n)           save and move to the next item
  prev (p)           save and move to the previous item
  goto <n> (g)       save and jump to item n
  save (s)           save progress and leave
  finish (f)         submit the session
  sync (r)           reconcile with the server
  time (t)           show the time left
  help (h)           show this help`

func newTakeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "take <assessment-id>",
		Short: "Take an assessment as a participant",
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

			ctx := cmd.Context()
			answers, err := store.Open(ctx, env.cfg)
			if err != nil {
				return fmt.Errorf("open answer store: %w", err)
			}
			defer answers.Close()

			sched := engine.NewScheduler(clockwork.NewRealClock())
			p := engine.NewParticipant(client.NewFromConfig(env.cfg, env.log), answers, sched, nil, env.log, engine.Config{
				AssessmentID: assessmentID,
				FlushWait:    env.cfg.FlushWait,
				PollInterval: env.cfg.ParticipantPoll,
			})
			defer sched.Wait()
			defer p.Close()

			return runTake(ctx, p, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runTake starts the session and drives it from line commands read from in
// until it ends or the participant leaves.
func runTake(ctx context.Context, p *engine.Participant, in io.Reader, out io.Writer) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(stop, in)

	for {
		select {
		case <-p.Done():
			return finishTake(ctx, p, out)
		default:
		}
		renderCurrent(p, out)

		select {
		case <-p.Done():
			return finishTake(ctx, p, out)
		case line, ok := <-lines:
			if !ok {
				// End of input leaves the session resumable.
				if err := p.Save(ctx); err != nil && !errors.Is(err, engine.ErrSessionClosed) {
					renderError(out, err)
				}
				return finishTake(ctx, p, out)
			}
			if err := dispatchTake(ctx, p, line, out); err != nil {
				renderError(out, err)
			}
		}
	}
}

func dispatchTake(ctx context.Context, p *engine.Participant, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch strings.ToLower(fields[0]) {
	case "answer", "a":
		item, _, ok := p.Current()
		if !ok {
			return errors.New("no item in view")
		}
		if arg == "" {
			return errors.New("usage: answer <key>")
		}
		return p.RecordAnswer(item.ID, strings.ToUpper(arg))
	case "next", "n":
		return p.Next(ctx)
	case "prev", "p":
		return p.Prev(ctx)
	case "goto", "g":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return errors.New("usage: goto <item number>")
		}
		return p.Goto(ctx, n-1)
	case "save", "s":
		return p.Save(ctx)
	case "finish", "f":
		return p.Complete(ctx)
	case "sync", "r":
		return p.Reconcile(ctx)
	case "time", "t":
		if secs, known := p.Remaining(); known {
			fmt.Fprintf(out, "time left: %s\n", engine.FormatRemaining(secs))
		} else {
			fmt.Fprintln(out, "time left: unknown")
		}
		return nil
	case "help", "h", "?":
		fmt.Fprintln(out, takeHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
}

func renderCurrent(p *engine.Participant, out io.Writer) {
	item, index, ok := p.Current()
	if !ok {
		fmt.Fprintln(out, "This assessment has no items.")
		return
	}
	sess, _ := p.Session()
	secs, known := p.Remaining()
	renderItem(out, item, index, len(sess.Items), p.Answers()[item.ID], secs, known)
}

func finishTake(ctx context.Context, p *engine.Participant, out io.Writer) error {
	o, ended := p.Outcome()
	if !ended {
		fmt.Fprintln(out, "\nProgress saved. Run take again to resume.")
		return nil
	}
	renderOutcome(out, o)

	res, err := p.Result(ctx)
	if err != nil {
		renderError(out, err)
		return nil
	}
	renderResult(out, res)
	return nil
}
