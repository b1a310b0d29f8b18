// Package deps validates the host before any step runs: required build
// tools (with minimum versions), privilege, and free disk and memory.
// It never installs anything; package installation is an explicit
// pipeline step.
package deps

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/execx"
)

// ErrValidation indicates the host failed one or more preflight checks.
// Validation failures are fatal and never retried.
var ErrValidation = errors.New("deps: host validation failed")

// versionPattern extracts the first dotted numeric version from tool output,
// e.g. "git version 2.39.2" or "cmake version 3.27.4".
var versionPattern = regexp.MustCompile(`(\d+(?:\.\d+)+)`)

// Requirement names one tool that must be resolvable on PATH, optionally at
// a minimum version.
type Requirement struct {
	Tool string

	// MinVersion is a dotted version string, or empty when presence alone
	// is enough. Missing segments compare as zero, so "0.12" == "0.12.0".
	MinVersion string

	// VersionArgs invoke the tool's version report. Defaults to --version.
	VersionArgs []string
}

// Failure describes one requirement the host does not meet.
type Failure struct {
	Tool   string
	Reason string
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Tool, f.Reason)
}

// Validator checks tool requirements via the command runner.
type Validator struct {
	runner *execx.Runner
}

// NewValidator returns a Validator that probes tools via runner.
func NewValidator(runner *execx.Runner) *Validator {
	return &Validator{runner: runner}
}

// Check validates every requirement and returns the list of failures.
// An empty slice means the host passed. The result is deterministic for an
// unchanged environment.
func (v *Validator) Check(ctx context.Context, reqs []Requirement) []Failure {
	logger := ctxlog.FromContext(ctx)

	var failures []Failure
	for _, req := range reqs {
		if _, err := exec.LookPath(req.Tool); err != nil {
			failures = append(failures, Failure{Tool: req.Tool, Reason: "not found on PATH"})
			continue
		}
		if req.MinVersion == "" {
			continue
		}

		installed, err := v.installedVersion(ctx, req)
		if err != nil {
			failures = append(failures, Failure{Tool: req.Tool, Reason: err.Error()})
			continue
		}

		ok, err := AtLeast(installed, req.MinVersion)
		if err != nil {
			failures = append(failures, Failure{Tool: req.Tool, Reason: err.Error()})
			continue
		}
		if !ok {
			failures = append(failures, Failure{
				Tool:   req.Tool,
				Reason: fmt.Sprintf("version %s is below required %s", installed, req.MinVersion),
			})
			continue
		}
		logger.Debug("Tool requirement satisfied.", "tool", req.Tool, "installed", installed, "minimum", req.MinVersion)
	}
	return failures
}

// installedVersion runs the tool's version report and extracts the version.
func (v *Validator) installedVersion(ctx context.Context, req Requirement) (string, error) {
	args := req.VersionArgs
	if len(args) == 0 {
		args = []string{"--version"}
	}
	result, err := v.runner.Run(ctx, execx.Command{Name: req.Tool, Args: args})
	if err != nil {
		return "", fmt.Errorf("version probe failed: %w", err)
	}
	out := result.Stdout
	if strings.TrimSpace(out) == "" {
		out = result.Stderr
	}
	match := versionPattern.FindString(out)
	if match == "" {
		return "", fmt.Errorf("could not parse version from %q", strings.TrimSpace(firstLine(out)))
	}
	return match, nil
}

// AtLeast reports whether installed >= minimum, comparing numeric dot
// separated segments; a missing segment compares as zero.
func AtLeast(installed, minimum string) (bool, error) {
	iv, err := semver.NewVersion(installed)
	if err != nil {
		return false, fmt.Errorf("invalid installed version %q: %w", installed, err)
	}
	mv, err := semver.NewVersion(minimum)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	return iv.Compare(mv) >= 0, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
