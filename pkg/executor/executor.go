// Package executor runs shell command lines against the managed host.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Result is the outcome of one command line. Stdout and Stderr are trimmed;
// Raw keeps stdout exactly as produced.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	Raw      string
	ExitCode int
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Err converts a non-zero exit into a *CommandError.
func (r Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return &CommandError{Command: r.Command, ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// CommandError is returned when an external command exits non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Executor runs a shell command line. Non-zero exits are reported in the
// Result, never as a Go error, and nothing is retried.
type Executor interface {
	Execute(ctx context.Context, command string) Result
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, command string) Result

func (f Func) Execute(ctx context.Context, command string) Result { return f(ctx, command) }

// Shell executes command lines with sh -c.
type Shell struct {
	// Timeout bounds a single command; zero means no limit beyond ctx.
	Timeout time.Duration
	Log     zerolog.Logger
}

// NewShell returns a Shell with the given timeout.
func NewShell(timeout time.Duration, log zerolog.Logger) *Shell {
	return &Shell{Timeout: timeout, Log: log}
}

func (s *Shell) Execute(ctx context.Context, command string) Result {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Command: command,
		Stdout:  strings.TrimSpace(stdout.String()),
		Stderr:  strings.TrimSpace(stderr.String()),
		Raw:     stdout.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		if res.ExitCode == -1 && res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	s.Log.Debug().
		Str("cmd", Redact(command)).
		Int("exit", res.ExitCode).
		Dur("took", time.Since(start)).
		Msg("exec")
	return res
}

// Quote wraps s in single quotes for safe use inside a sh command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Redact hides the arguments of printf, which is how private keys are piped
// into wg pubkey, so they never reach the logs.
func Redact(command string) string {
	i := strings.Index(command, "printf ")
	if i < 0 {
		return command
	}
	start := i + len("printf ")
	end := strings.Index(command[start:], " |")
	if end < 0 {
		return command[:start] + "<redacted>"
	}
	return command[:start] + "<redacted>" + command[start+end:]
}
