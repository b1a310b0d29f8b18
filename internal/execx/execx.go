// Package execx runs external commands with output capture, timeouts, and
// cancellation. Every execution is appended as a structured record to the
// active run's command log, so a failed install can be reconstructed from
// the log alone.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
)

// Sentinel errors for command execution.
var (
	// ErrCommandFailed indicates a command exited non-zero.
	ErrCommandFailed = errors.New("execx: command failed")

	// ErrCommandTimeout indicates a command exceeded its timeout and its
	// process group was killed.
	ErrCommandTimeout = errors.New("execx: command timed out")

	// ErrCommandNotFound indicates the command binary could not be resolved.
	ErrCommandNotFound = errors.New("execx: command not found")
)

// Command describes one external command invocation.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra environment variables appended to the parent
	// environment.
	Env map[string]string

	// Timeout bounds the execution. Zero means no timeout. On expiry the
	// whole process group is killed, not just the direct child.
	Timeout time.Duration

	// TolerateFailure makes a non-zero exit a normal result instead of an
	// error. Used for idempotent probes like "does this user already exist".
	TolerateFailure bool
}

// Result captures the outcome of one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Recorder receives one record per executed command. The pipeline's log
// sink implements it.
type Recorder interface {
	RecordCommand(name string, args []string, exitCode int, d time.Duration)
}

// Runner executes Commands. The zero value is usable; a Recorder is optional.
type Runner struct {
	recorder Recorder
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder attaches a Recorder that receives every execution record.
func WithRecorder(r Recorder) Option {
	return func(rn *Runner) { rn.recorder = r }
}

// NewRunner returns a Runner with the given options applied.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the command and returns its captured result. A non-zero exit
// returns ErrCommandFailed unless TolerateFailure is set; the Result is
// returned in both cases so callers always see captured output.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	// Build tools spawn their own children (make -> cc); killing only the
	// direct child would leave compilers running past the timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	logger.Debug("Executing command.", "command", c.Name, "args", c.Args, "dir", c.Dir)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: elapsed,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
	}

	if r.recorder != nil {
		r.recorder.RecordCommand(c.Name, c.Args, result.ExitCode, elapsed)
	}
	logger.Debug("Command finished.",
		"command", c.Name,
		"exit_code", result.ExitCode,
		"duration_ms", elapsed.Milliseconds(),
	)

	if err == nil {
		return result, nil
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return result, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, c.Name, c.Timeout)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return result, fmt.Errorf("%w: %s", ErrCommandNotFound, c.Name)
	}
	if exitErr != nil {
		if c.TolerateFailure {
			return result, nil
		}
		return result, fmt.Errorf("%w: %s exited %d: %s",
			ErrCommandFailed, c.Name, result.ExitCode, firstLine(result.Stderr))
	}
	return result, fmt.Errorf("execx: starting %s: %w", c.Name, err)
}

// firstLine trims command stderr down to something fit for an error message.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
