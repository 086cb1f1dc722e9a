package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oshokin/appliance-updater/internal/logger"
)

// maxOutputInError limits how much captured output is embedded in error messages.
const maxOutputInError = 2048

// Command describes one external process invocation.
type Command struct {
	// Name is the executable to run.
	Name string
	// Args are the command arguments.
	Args []string
	// Dir is the working directory, empty means the current one.
	Dir string
	// Timeout bounds the run; zero means only the parent context applies.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the structured outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Output returns stdout and stderr combined for diagnostics.
func (r *Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Runner executes commands. Implementations must honour ctx and Command.Timeout.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ErrTimeout marks commands killed because their timeout expired.
var ErrTimeout = errors.New("command timed out")

// CommandError is returned when a command fails, carrying its captured output.
type CommandError struct {
	Command string
	Result  *Result
	Err     error
}

// Error implements error.
func (e *CommandError) Error() string {
	output := ""
	if e.Result != nil {
		output = strings.TrimSpace(e.Result.Output())
	}

	if len(output) > maxOutputInError {
		output = output[len(output)-maxOutputInError:]
	}

	if output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, output)
}

// Unwrap exposes the underlying cause.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by the operating system.
func NewExecRunner() *ExecRunner {
	return new(ExecRunner)
}

// Run executes the command and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}

	defer cancel()

	var stdout, stderr bytes.Buffer

	//nolint:gosec // Commands are built from configuration, never from request input.
	execCmd := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	execCmd.Dir = cmd.Dir
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	logger.DebugKV(ctx, "Running command", "command", cmd.String(), "timeout", cmd.Timeout)

	started := time.Now()
	err := execCmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: execCmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
	}

	if err == nil {
		return result, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrTimeout, cmd.Timeout)
	} else if ctx.Err() != nil {
		err = ctx.Err()
	}

	return result, &CommandError{
		Command: cmd.String(),
		Result:  result,
		Err:     err,
	}
}
