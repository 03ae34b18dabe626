// Package runner executes the user-configured build, clean, workload and
// annotation commands with bounded retries.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/redact"
)

// MinAttempts is the floor applied to any configured attempt count: every
// command is tried at least once in a shell and once without.
const MinAttempts = 2

// tailLines is how much child output an error carries.
const tailLines = 20

// waitDelay bounds how long a cancelled command may hold its output pipes.
const waitDelay = 2 * time.Second

// Command is one invocation of a configured command line.
type Command struct {
	// Name labels the command in logs and errors ("build", "workload").
	Name string
	Line string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// Output, if set, also receives the child's combined output.
	Output io.Writer
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Exec runs commands as child processes.
type Exec struct {
	Attempts int
	Delay    time.Duration
	Logger   *zap.Logger
	// Secrets are literal values scrubbed from captured output.
	Secrets []string
}

// Run executes cmd until it exits 0 or the attempts are used up. The first
// attempt goes through "sh -c"; each retry toggles between the shell and a
// direct exec of the whitespace-split line. Exhausted attempts return
// ErrChildFailed carrying the last attempt's redacted output tail.
func (e *Exec) Run(ctx context.Context, cmd Command) error {
	if strings.TrimSpace(cmd.Line) == "" {
		return fmt.Errorf("%w: %s command is empty", fault.ErrInvalidConfig, cmd.Name)
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := max(e.Attempts, MinAttempts)

	attempt := 0
	op := func() (struct{}, error) {
		shell := attempt%2 == 0
		attempt++
		out, err := e.once(ctx, cmd, shell)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, &childError{
			name:    cmd.Name,
			line:    cmd.Line,
			attempt: attempt,
			of:      attempts,
			shell:   shell,
			err:     err,
			tail:    redact.Literal(redact.Tail(out, tailLines), e.Secrets...),
		}
	}

	start := time.Now()
	logger.Debug("running command",
		zap.String("name", cmd.Name),
		zap.String("dir", cmd.Dir),
		zap.Strings("env", redact.Env(cmd.Env)),
	)
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.Delay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("command failed, retrying",
				zap.String("name", cmd.Name),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
	logger.Debug("command finished",
		zap.String("name", cmd.Name),
		zap.Int("attempts", attempt),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (e *Exec) once(ctx context.Context, cmd Command, shell bool) ([]byte, error) {
	var c *exec.Cmd
	if shell {
		c = exec.CommandContext(ctx, "sh", "-c", cmd.Line)
	} else {
		fields := strings.Fields(cmd.Line)
		c = exec.CommandContext(ctx, fields[0], fields[1:]...)
	}
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.WaitDelay = waitDelay
	killGroup(c)

	var buf bytes.Buffer
	var w io.Writer = &buf
	if cmd.Output != nil {
		w = io.MultiWriter(&buf, cmd.Output)
	}
	c.Stdout = w
	c.Stderr = w
	err := c.Run()
	return buf.Bytes(), err
}

type childError struct {
	name, line  string
	attempt, of int
	shell       bool
	err         error
	tail        string
}

func (e *childError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s command %q failed on attempt %d of %d (shell=%t): %v",
		fault.ErrChildFailed, e.name, e.line, e.attempt, e.of, e.shell, e.err)
	if e.tail != "" {
		b.WriteString("\n")
		b.WriteString(e.tail)
	}
	return b.String()
}

func (e *childError) Unwrap() []error { return []error{fault.ErrChildFailed, e.err} }

// ExitCode returns the exit status carried by a failed command, or -1.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
