// Package service renders and registers the daemon's supervisor unit and
// brings the unit up. A unit that never reaches active status is reported
// as a failure but already-installed artifacts are left in place: tearing
// down a half-working SSH daemon silently could cut off remote access.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/execx"
	"github.com/oqs-tools/pqsetup/internal/render"
)

// ErrServiceStart indicates the unit did not reach active status within
// the polling budget.
var ErrServiceStart = errors.New("service: unit failed to start")

// UnitTemplate is the rendered systemd unit. Values come from the
// configuration; the algorithm list and paths are not hardcoded here.
const UnitTemplate = `[Unit]
Description=Post-quantum OpenSSH server ({{UNIT_NAME}})
After=network.target auditd.service

[Service]
Type=notify
ExecStart={{SSHD_BINARY}} -D -f {{CONFIG_PATH}}
ExecReload=/bin/kill -HUP $MAINPID
KillMode=process
Restart={{RESTART_POLICY}}
RestartSec=5
User={{RUN_USER}}
Group={{RUN_GROUP}}

[Install]
WantedBy=multi-user.target
`

// Unit describes the supervisor unit to install.
type Unit struct {
	// Name is the unit name without the .service suffix.
	Name string

	// UnitDir is where the definition file is written, normally
	// /etc/systemd/system.
	UnitDir string

	// Values fills the unit template: SSHD_BINARY, CONFIG_PATH,
	// RESTART_POLICY, RUN_USER, RUN_GROUP.
	Values map[string]string

	// PollAttempts and PollDelay bound the wait for active status.
	PollAttempts int
	PollDelay    time.Duration
}

// UnitPath returns the definition file's destination.
func (u Unit) UnitPath() string {
	return filepath.Join(u.UnitDir, u.Name+".service")
}

// Registrar installs and starts supervisor units.
type Registrar struct {
	runner *execx.Runner

	// systemctl is overridable for tests.
	systemctl string
}

// NewRegistrar returns a Registrar driving the host's systemctl.
func NewRegistrar(runner *execx.Runner) *Registrar {
	return &Registrar{runner: runner, systemctl: "systemctl"}
}

// Install renders the unit definition, reloads the supervisor, enables the
// unit for automatic start, and restarts it. It then polls until the unit
// is active or the budget is spent.
func (r *Registrar) Install(ctx context.Context, unit Unit) error {
	logger := ctxlog.FromContext(ctx)

	values := make(map[string]string, len(unit.Values)+1)
	for k, v := range unit.Values {
		values[k] = v
	}
	values["UNIT_NAME"] = unit.Name

	if _, err := render.Write(ctx, r.runner, render.File{
		Template: UnitTemplate,
		Values:   values,
		Path:     unit.UnitPath(),
		Mode:     0o644,
	}); err != nil {
		return fmt.Errorf("service: rendering unit %s: %w", unit.Name, err)
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", unit.Name},
		{"restart", unit.Name},
	} {
		if _, err := r.runner.Run(ctx, execx.Command{Name: r.systemctl, Args: args}); err != nil {
			return fmt.Errorf("service: systemctl %s: %w", strings.Join(args, " "), err)
		}
	}

	logger.Info("Waiting for unit to become active.", "unit", unit.Name)
	return r.waitActive(ctx, unit)
}

// waitActive polls `systemctl is-active` with a fixed delay.
func (r *Registrar) waitActive(ctx context.Context, unit Unit) error {
	attempts := unit.PollAttempts
	if attempts < 1 {
		attempts = 1
	}

	var state string
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := r.runner.Run(ctx, execx.Command{
			Name:            r.systemctl,
			Args:            []string{"is-active", unit.Name},
			TolerateFailure: true,
		})
		if err != nil {
			return fmt.Errorf("service: polling unit %s: %w", unit.Name, err)
		}
		state = strings.TrimSpace(result.Stdout)
		if state == "active" {
			return nil
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service: canceled waiting for %s: %w", unit.Name, ctx.Err())
		case <-time.After(unit.PollDelay):
		}
	}

	return fmt.Errorf("%w: %s is %q after %d attempts", ErrServiceStart, unit.Name, state, attempts)
}
