// Package render substitutes named placeholders into configuration
// templates and installs the result atomically, optionally gated on an
// external syntax checker.
//
// Placeholders use the {{NAME}} form. Rendering is strict: a placeholder
// without a supplied value is an error naming every unresolved name, never
// a silently malformed file.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/execx"
	"github.com/oqs-tools/pqsetup/internal/fsutil"
)

// Sentinel errors for template rendering and installation.
var (
	// ErrUnresolvedPlaceholder indicates the template references names the
	// value mapping does not supply.
	ErrUnresolvedPlaceholder = errors.New("render: unresolved placeholder")

	// ErrValidationCommand indicates the rendered file failed its external
	// self-test.
	ErrValidationCommand = errors.New("render: config validation failed")
)

// placeholderPattern matches {{NAME}} placeholders. Names are upper-case
// identifiers, matching the directive style of the rendered files.
var placeholderPattern = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// FileSelfTestMarker in a self-test argument is replaced with the path of
// the candidate file, so checkers validate the temp file before it is
// moved into place.
const FileSelfTestMarker = "{{FILE}}"

// Render substitutes every placeholder in template using values. All
// unresolved placeholders are reported together, sorted, in the error.
func Render(template string, values map[string]string) (string, error) {
	var missing []string
	seen := map[string]bool{}

	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return m
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, strings.Join(missing, ", "))
	}
	return rendered, nil
}

// File describes one configuration artifact to render and install.
type File struct {
	Template string
	Values   map[string]string

	// Path is the final location. Any pre-existing file there is backed up
	// with a timestamp suffix before being replaced.
	Path string

	// Mode is the permission for the installed file.
	Mode os.FileMode

	// SelfTest optionally validates the rendered candidate before it
	// replaces Path. FileSelfTestMarker in its arguments is substituted
	// with the candidate's path.
	SelfTest *execx.Command
}

// Write renders f, validates the candidate through the self-test if one is
// supplied, backs up any existing file at f.Path, and atomically moves the
// candidate into place. On any failure the final path is left untouched.
func Write(ctx context.Context, runner *execx.Runner, f File) (string, error) {
	logger := ctxlog.FromContext(ctx)

	rendered, err := Render(f.Template, f.Values)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("render: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("render: creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(rendered); err != nil {
		tmp.Close()
		return "", fmt.Errorf("render: writing candidate %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(f.Mode); err != nil {
		tmp.Close()
		return "", fmt.Errorf("render: chmod candidate %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("render: closing candidate %s: %w", tmpPath, err)
	}

	if f.SelfTest != nil {
		if err := runSelfTest(ctx, runner, *f.SelfTest, tmpPath); err != nil {
			return "", err
		}
	}

	backup, err := fsutil.Backup(f.Path)
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	if backup != "" {
		logger.Info("Backed up existing file.", "path", f.Path, "backup", backup)
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		return "", fmt.Errorf("render: installing %s: %w", f.Path, err)
	}
	logger.Info("Rendered configuration installed.", "path", f.Path, "mode", fmt.Sprintf("%#o", f.Mode))
	return backup, nil
}

// runSelfTest executes the external checker against the candidate file.
func runSelfTest(ctx context.Context, runner *execx.Runner, check execx.Command, candidate string) error {
	args := make([]string, len(check.Args))
	for i, a := range check.Args {
		args[i] = strings.ReplaceAll(a, FileSelfTestMarker, candidate)
	}
	check.Args = args
	check.TolerateFailure = true

	result, err := runner.Run(ctx, check)
	if err != nil {
		return fmt.Errorf("%w: running %s: %v", ErrValidationCommand, check.Name, err)
	}
	if result.ExitCode != 0 {
		out := strings.TrimSpace(result.Stderr)
		if out == "" {
			out = strings.TrimSpace(result.Stdout)
		}
		return fmt.Errorf("%w: %s exited %d: %s", ErrValidationCommand, check.Name, result.ExitCode, out)
	}
	return nil
}
