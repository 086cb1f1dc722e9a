// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/oshokin/appliance-updater/internal/service/process"
)

// ErrExit is the cause used for scripted command failures.
var ErrExit = errors.New("exit status 1")

// Handler answers one command. A nil handler result means success with empty output.
type Handler func(ctx context.Context, cmd process.Command) (*process.Result, error)

// Runner records every command and answers with handlers registered by command prefix.
type Runner struct {
	mu       sync.Mutex
	handlers []prefixHandler
	calls    []process.Command
}

type prefixHandler struct {
	prefix  string
	handler Handler
}

// NewRunner creates an empty scripted runner.
func NewRunner() *Runner {
	return new(Runner)
}

// On registers a handler for commands whose String() starts with prefix.
// Later registrations win.
func (r *Runner) On(prefix string, handler Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = append(r.handlers, prefixHandler{prefix: prefix, handler: handler})

	return r
}

// Output registers a successful command with the given stdout.
func (r *Runner) Output(prefix, stdout string) *Runner {
	return r.On(prefix, func(context.Context, process.Command) (*process.Result, error) {
		return &process.Result{Stdout: stdout}, nil
	})
}

// Fail registers a failing command with the given output.
func (r *Runner) Fail(prefix, output string) *Runner {
	return r.On(prefix, func(_ context.Context, cmd process.Command) (*process.Result, error) {
		result := &process.Result{Stderr: output, ExitCode: 1}

		return result, &process.CommandError{Command: cmd.String(), Result: result, Err: ErrExit}
	})
}

// Run implements process.Runner.
func (r *Runner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)

	var handler Handler

	line := cmd.String()
	for i := len(r.handlers) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, r.handlers[i].prefix) {
			handler = r.handlers[i].handler
			break
		}
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &process.Result{ExitCode: -1}, &process.CommandError{Command: line, Err: err}
	}

	if handler == nil {
		return &process.Result{}, nil
	}

	result, err := handler(ctx, cmd)
	if result == nil {
		result = &process.Result{}
	}

	return result, err
}

// Calls returns the command lines run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]string, 0, len(r.calls))
	for _, cmd := range r.calls {
		lines = append(lines, cmd.String())
	}

	return lines
}

// Commands returns the commands run so far.
func (r *Runner) Commands() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]process.Command(nil), r.calls...)
}

// Count returns how many commands started with prefix.
func (r *Runner) Count(prefix string) int {
	count := 0

	for _, line := range r.Calls() {
		if strings.HasPrefix(line, prefix) {
			count++
		}
	}

	return count
}
