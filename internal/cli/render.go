package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/stemsi/exstem-sync/internal/engine"
	"github.com/stemsi/exstem-sync/internal/model"
)

func renderItem(w io.Writer, item model.Item, index, total int, selected string, remaining int, known bool) {
	clock := "--"
	if known {
		clock = engine.FormatRemaining(remaining)
	}
	fmt.Fprintf(w, "\n[%d/%d] time left: %s\n", index+1, total, clock)
	fmt.Fprintf(w, "%s\n", item.Prompt)
	for _, o := range item.Options {
		mark := " "
		if o.Key == selected {
			mark = "*"
		}
		fmt.Fprintf(w, "  %s %s) %s\n", mark, o.Key, o.Text)
	}
}

func renderOutcome(w io.Writer, o engine.Outcome) {
	switch o.Status {
	case model.SessionStatusCompleted:
		fmt.Fprintln(w, "\nSession completed.")
	case model.SessionStatusEndedByTimeout:
		fmt.Fprintln(w, "\nTime is up. Your answers were submitted.")
	case model.SessionStatusEndedByAuthority:
		fmt.Fprintln(w, "\nThe proctor ended this session.")
	default:
		fmt.Fprintf(w, "\nSession ended (%s).\n", o.Status)
	}
}

func renderResult(w io.Writer, r *model.Result) {
	fmt.Fprintf(w, "\n%s\n", r.Title)
	fmt.Fprintf(w, "Verdict: %s  Score: %.2f  Grade: %s  Points: %d\n", r.Verdict, r.Score, r.Grade, r.ObtainedPoints)
	for i, it := range r.Items {
		fmt.Fprintf(w, "  %2d. %-10s %s\n", i+1, it.Verdict, it.Prompt)
	}
}

func renderMonitor(w io.Writer, v engine.MonitorView) {
	countdown := v.Countdown
	if countdown == "" {
		countdown = "--"
	}
	stale := ""
	if v.Stale {
		stale = " (stale)"
	}
	fmt.Fprintf(w, "\n%s%s\n", v.Title, stale)
	fmt.Fprintf(w, "Completed %d/%d  In progress %d  Remaining %s\n",
		v.CompletedCount, v.TotalCount, v.InProgressCount, countdown)
	for _, p := range v.Participants {
		fmt.Fprintf(w, "  %-24s %-18s %d answered\n", truncate(p.Name, 24), p.Status, p.AnsweredCount)
	}
}

func renderError(w io.Writer, err error) {
	fmt.Fprintf(w, "! %s\n", strings.TrimSpace(err.Error()))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "~"
}
