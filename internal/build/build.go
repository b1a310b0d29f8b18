// Package build drives a configure/compile/install pipeline against a
// fetched source tree. Build failures are fatal on the first attempt;
// unlike fetches they are rarely transient, so there is no retry here.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/execx"
)

// Sentinel errors for the build stage.
var (
	// ErrBuild indicates a configure, compile, or install command failed.
	ErrBuild = errors.New("build: stage failed")

	// ErrArtifactMissing indicates the build completed but expected
	// outputs were not produced. Its message lists every missing path.
	ErrArtifactMissing = errors.New("build: expected artifacts missing")
)

// Plan describes one source tree's build.
type Plan struct {
	// Name labels the plan in logs (e.g. "liboqs").
	Name string

	// SourceDir is the fetched tree's root; all commands run there.
	SourceDir string

	// Configure, Compile, and Install run in sequence. A nil command is
	// skipped (header-only trees have no compile stage).
	Configure *execx.Command
	Compile   *execx.Command
	Install   *execx.Command

	// CompileTimeout bounds the compile stage's wall clock. Zero means
	// no limit.
	CompileTimeout time.Duration

	// ExpectedArtifacts are absolute paths that must exist after install.
	ExpectedArtifacts []string
}

// Builder executes Plans through the command runner.
type Builder struct {
	runner *execx.Runner
}

// New returns a Builder backed by runner.
func New(runner *execx.Runner) *Builder {
	return &Builder{runner: runner}
}

// Run executes the plan's stages in order, aborting on the first failure,
// then verifies the expected artifacts exist.
func (b *Builder) Run(ctx context.Context, plan Plan) error {
	logger := ctxlog.FromContext(ctx).With("build", plan.Name)

	stages := []struct {
		name    string
		cmd     *execx.Command
		timeout time.Duration
	}{
		{"configure", plan.Configure, 0},
		{"compile", plan.Compile, plan.CompileTimeout},
		{"install", plan.Install, 0},
	}

	for _, stage := range stages {
		if stage.cmd == nil {
			continue
		}
		cmd := *stage.cmd
		if cmd.Dir == "" {
			cmd.Dir = plan.SourceDir
		}
		if stage.timeout > 0 && cmd.Timeout == 0 {
			cmd.Timeout = stage.timeout
		}

		logger.Info("Build stage starting.", "stage", stage.name, "command", cmd.Name)
		result, err := b.runner.Run(ctx, cmd)
		if err != nil {
			tail := ""
			if result != nil {
				tail = lastLines(result.Stderr, 20)
			}
			return fmt.Errorf("%w: %s %s stage: %v\n%s", ErrBuild, plan.Name, stage.name, err, tail)
		}
		logger.Info("Build stage finished.", "stage", stage.name, "duration", result.Duration.Round(time.Millisecond))
	}

	if missing := missingArtifacts(plan.ExpectedArtifacts); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, strings.Join(missing, ", "))
	}
	return nil
}

// missingArtifacts returns the subset of paths that do not exist.
func missingArtifacts(paths []string) []string {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

// lastLines keeps the tail of captured output for error surfacing.
func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
