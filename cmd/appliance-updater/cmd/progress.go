package cmd

import (
	"fmt"
	"io"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

// progressPrinter renders snapshots as phase lines followed by the new run log lines.
type progressPrinter struct {
	out       io.Writer
	lastState domain.State
	lastMsg   string
	printed   int
	// active is set once a non-quiescent state was seen.
	active bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

// print writes what changed since the previous snapshot and reports whether the run finished.
func (p *progressPrinter) print(snapshot *domain.Snapshot) bool {
	if snapshot.State != p.lastState || snapshot.Message != p.lastMsg {
		_, _ = fmt.Fprintf(p.out, "[%3d%%] %-17s %s\n", snapshot.Progress, snapshot.State, snapshot.Message)
		p.lastState, p.lastMsg = snapshot.State, snapshot.Message
	}

	// Logs only shrink when a new run starts.
	if len(snapshot.Logs) < p.printed {
		p.printed = 0
	}

	for _, line := range snapshot.Logs[p.printed:] {
		_, _ = fmt.Fprintf(p.out, "       %s\n", line)
	}

	p.printed = len(snapshot.Logs)

	if !snapshot.State.IsQuiescent() {
		p.active = true

		return false
	}

	return p.active && snapshot.State != domain.StateIdle
}
