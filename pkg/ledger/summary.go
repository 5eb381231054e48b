package ledger

import (
	"fmt"
	"io"
	"strings"

	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Failure is one failed item with its detail string.
type Failure struct {
	Item   workitem.Item
	Detail string
}

// Summary aggregates one run of one stage.
type Summary struct {
	RunID      string
	Stage      string
	Succeeded  int
	Failed     int
	Skipped    int
	Cancelled  int
	NotStarted int
	Failures   []Failure
}

// HasFailures reports whether any item failed.
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}

// Total returns the number of selected items the summary accounts for.
func (s Summary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped + s.Cancelled + s.NotStarted
}

// Summarize builds the summary of runID for stage. Skipped and not-started
// items are never written to the ledger, so the caller supplies them.
func (l *Ledger) Summarize(runID, stage string, skipped, notStarted int) Summary {
	s := Summary{RunID: runID, Stage: stage, Skipped: skipped, NotStarted: notStarted}
	for _, e := range l.RunEntries(runID) {
		if e.Stage != stage {
			continue
		}
		switch e.State {
		case StateSucceeded:
			s.Succeeded++
		case StateFailed:
			s.Failed++
			s.Failures = append(s.Failures, Failure{Item: e.Item(), Detail: e.Detail})
		case StateCancelledPending:
			s.Cancelled++
		}
	}
	return s
}

// Render writes the human readable report.
func (s Summary) Render(w io.Writer) error {
	p := message.NewPrinter(language.English)
	title := cases.Title(language.English).String(strings.ReplaceAll(s.Stage, "-", " "))

	var b strings.Builder
	p.Fprintf(&b, "%s run %s\n", title, s.RunID)
	p.Fprintf(&b, "  succeeded:   %d\n", s.Succeeded)
	p.Fprintf(&b, "  failed:      %d\n", s.Failed)
	if s.Skipped > 0 {
		p.Fprintf(&b, "  skipped:     %d\n", s.Skipped)
	}
	if s.Cancelled > 0 {
		p.Fprintf(&b, "  cancelled:   %d (still running, resume to re-poll)\n", s.Cancelled)
	}
	if s.NotStarted > 0 {
		p.Fprintf(&b, "  not started: %d\n", s.NotStarted)
	}
	if len(s.Failures) > 0 {
		b.WriteString("Failed items:\n")
		for _, f := range s.Failures {
			detail := f.Detail
			if detail == "" {
				detail = "no detail"
			}
			fmt.Fprintf(&b, "  %d\t%s\t%s\n", f.Item.Index, f.Item.Name, detail)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
