// Package app wires the installer together: configuration, logging,
// telemetry, the command runner, and the pipeline for the selected mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/oqs-tools/pqsetup/internal/config"
	"github.com/oqs-tools/pqsetup/internal/execx"
	"github.com/oqs-tools/pqsetup/internal/profile"
	"github.com/oqs-tools/pqsetup/internal/report"
	"github.com/oqs-tools/pqsetup/internal/telemetry"
)

// App encapsulates the installer's dependencies and lifecycle for one
// invocation.
type App struct {
	outW   io.Writer
	cfg    *config.Config
	prof   *profile.Profile
	logger *slog.Logger
	log    *report.Log
	runner *execx.Runner

	tracer         trace.Tracer
	shutdownTracer func(context.Context) error
}

// NewApp constructs a fully wired App. The configuration is already
// resolved and immutable; nothing after this point re-reads flags or the
// environment.
func NewApp(outW io.Writer, cfg *config.Config, prof *profile.Profile) (*App, error) {
	installLog, err := report.OpenLog(cfg.LogFile)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, io.MultiWriter(outW, installLog.Writer()))
	logger.Debug("Logger configured.", "log_file", cfg.LogFile)

	tracer, shutdown, err := telemetry.Setup(cfg.Trace)
	if err != nil {
		installLog.Close()
		return nil, fmt.Errorf("app: telemetry setup: %w", err)
	}

	if prof == nil {
		prof = &profile.Profile{}
	}

	return &App{
		outW:           outW,
		cfg:            cfg,
		prof:           prof,
		logger:         logger,
		log:            installLog,
		runner:         execx.NewRunner(execx.WithRecorder(installLog)),
		tracer:         tracer,
		shutdownTracer: shutdown,
	}, nil
}

// Close releases the log file and flushes telemetry.
func (a *App) Close(ctx context.Context) {
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn("Tracer shutdown failed.", "error", err)
	}
	if err := a.log.Close(); err != nil {
		a.logger.Warn("Closing install log failed.", "error", err)
	}
}
