// Package keys generates host and client key pairs via an external
// key-generation tool and enforces on-disk permission discipline. No key
// math happens here; the algorithm identifier is an opaque value passed
// through to the tool.
package keys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/execx"
	"github.com/oqs-tools/pqsetup/internal/fsutil"
)

// ErrKeygen indicates the external key-generation command failed; its
// message carries the command's captured error output.
var ErrKeygen = errors.New("keys: key generation failed")

// Private keys are owner read/write only; public keys are world-readable.
// The private mode must always be strictly more restrictive.
const (
	PrivateMode os.FileMode = 0o600
	PublicMode  os.FileMode = 0o644
)

// Spec describes one key pair to generate.
type Spec struct {
	// Command is the key-generation binary (e.g. the fork's ssh-keygen).
	Command string

	// Algorithm is passed through verbatim; identifiers vary across
	// upstream library versions and are never validated here.
	Algorithm string

	// PrivatePath is the private key destination; the public key lands at
	// PrivatePath + ".pub".
	PrivatePath string

	// Comment is embedded in the public key, when non-empty.
	Comment string

	// SkipIfExists leaves an existing key pair untouched instead of
	// backing it up and regenerating.
	SkipIfExists bool
}

// PublicPath returns the public half's destination.
func (s Spec) PublicPath() string {
	return s.PrivatePath + ".pub"
}

// Pair records a generated (or kept) key pair.
type Pair struct {
	PrivatePath string
	PublicPath  string
	Algorithm   string

	// Reused is true when SkipIfExists found an existing pair.
	Reused bool

	// Backups holds timestamped copies of a replaced pair, if any.
	Backups []string
}

// Manager generates key pairs through the command runner.
type Manager struct {
	runner *execx.Runner
}

// NewManager returns a Manager backed by runner.
func NewManager(runner *execx.Runner) *Manager {
	return &Manager{runner: runner}
}

// Generate creates the key pair described by spec. An existing pair is
// backed up with a timestamp suffix (never deleted) before regeneration,
// unless SkipIfExists is set. Permissions are enforced after generation.
func (m *Manager) Generate(ctx context.Context, spec Spec) (*Pair, error) {
	logger := ctxlog.FromContext(ctx)

	pair := &Pair{
		PrivatePath: spec.PrivatePath,
		PublicPath:  spec.PublicPath(),
		Algorithm:   spec.Algorithm,
	}

	if _, err := os.Stat(spec.PrivatePath); err == nil {
		if spec.SkipIfExists {
			logger.Info("Key pair already present, keeping it.", "path", spec.PrivatePath)
			pair.Reused = true
			return pair, m.enforcePermissions(pair)
		}
		for _, p := range []string{spec.PrivatePath, spec.PublicPath()} {
			backup, err := fsutil.Backup(p)
			if err != nil {
				return nil, fmt.Errorf("keys: %w", err)
			}
			if backup != "" {
				logger.Info("Backed up existing key file.", "path", p, "backup", backup)
				pair.Backups = append(pair.Backups, backup)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(spec.PrivatePath), 0o755); err != nil {
		return nil, fmt.Errorf("keys: creating key directory: %w", err)
	}

	args := []string{"-t", spec.Algorithm, "-f", spec.PrivatePath, "-N", ""}
	if spec.Comment != "" {
		args = append(args, "-C", spec.Comment)
	}
	result, err := m.runner.Run(ctx, execx.Command{Name: spec.Command, Args: args})
	if err != nil {
		detail := ""
		if result != nil {
			detail = strings.TrimSpace(result.Stderr)
		}
		return nil, fmt.Errorf("%w: %s -t %s: %v: %s", ErrKeygen, spec.Command, spec.Algorithm, err, detail)
	}

	if err := m.enforcePermissions(pair); err != nil {
		return nil, err
	}
	logger.Info("Key pair generated.", "path", spec.PrivatePath, "algorithm", spec.Algorithm)
	return pair, nil
}

// enforcePermissions applies the permission discipline to both halves.
func (m *Manager) enforcePermissions(pair *Pair) error {
	if err := os.Chmod(pair.PrivatePath, PrivateMode); err != nil {
		return fmt.Errorf("keys: securing private key %s: %w", pair.PrivatePath, err)
	}
	if err := os.Chmod(pair.PublicPath, PublicMode); err != nil {
		return fmt.Errorf("keys: setting public key mode on %s: %w", pair.PublicPath, err)
	}
	return nil
}
