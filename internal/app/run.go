package app

import (
	"context"
	"fmt"
	"time"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/deps"
	"github.com/oqs-tools/pqsetup/internal/pipeline"
	"github.com/oqs-tools/pqsetup/internal/report"
	"github.com/oqs-tools/pqsetup/internal/status"
)

// Run assembles the pipeline for the selected mode and executes it. The
// returned error is the failed step's error; the report and summary are
// written in every case.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.log.Line("run starting mode=%s prefix=%s", a.mode(), a.cfg.Prefix)

	orch, st, err := a.assemble()
	if err != nil {
		return err
	}

	if a.cfg.DryRun {
		fmt.Fprintln(a.outW, "Dry run; planned steps:")
		for i, name := range orch.Plan() {
			fmt.Fprintf(a.outW, "  %2d. %s\n", i+1, name)
		}
	}

	run := orch.NewRun()

	if a.cfg.StatusPort > 0 && !a.cfg.DryRun {
		srv := status.NewServer(a.cfg.StatusPort, run)
		srv.Start(ctx)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	_, execErr := orch.Execute(ctx, run)

	if !a.cfg.DryRun {
		a.writeReport(ctx, run, st)
	}
	a.printSummary(run, execErr)
	a.log.Line("run finished status=%s", run.Status())

	return execErr
}

// mode names the selected operation for logs.
func (a *App) mode() string {
	switch {
	case a.cfg.Rollback:
		return "rollback"
	case a.cfg.Client:
		return "client"
	default:
		return "server"
	}
}

// assemble builds the orchestrator for the selected mode.
func (a *App) assemble() (*pipeline.Orchestrator, *runState, error) {
	st := &runState{}

	orch := pipeline.New(
		pipeline.WithLock(pipeline.NewLock(a.cfg.Prefix)),
		pipeline.WithTracer(a.tracer),
		pipeline.WithDryRun(a.cfg.DryRun),
	)

	switch {
	case a.cfg.Rollback:
		// Removing a working SSH daemon can cut off remote access, so the
		// rollback pipeline demands an explicit second flag.
		if !a.cfg.Force {
			return nil, nil, fmt.Errorf("%w: --rollback requires --force", deps.ErrValidation)
		}
		a.addRollbackSteps(orch)

	case a.cfg.Client:
		a.addValidateStep(orch, false)
		a.addHookSteps(orch, a.prof.PreHooks)
		a.addFetchSteps(orch, st)
		a.addBuildSteps(orch, st)
		a.addClientSteps(orch, st)
		a.addHookSteps(orch, a.prof.PostHooks)

	default:
		a.addValidateStep(orch, true)
		a.addHookSteps(orch, a.prof.PreHooks)
		a.addFetchSteps(orch, st)
		a.addBuildSteps(orch, st)
		a.addUserStep(orch)
		a.addHostKeyStep(orch, st)
		a.addRenderConfigStep(orch, st)
		if !a.cfg.NoService {
			a.addServiceStep(orch, st)
		}
		a.addHookSteps(orch, a.prof.PostHooks)
	}

	return orch, st, nil
}

// writeReport persists the JSON installation report.
func (a *App) writeReport(ctx context.Context, run *pipeline.Run, st *runState) {
	r := &report.Report{
		RunID:      run.ID,
		Status:     run.Status().String(),
		StartedAt:  run.StartedAt,
		FinishedAt: time.Now(),
		Prefix:     a.cfg.Prefix,
		LogFile:    a.cfg.LogFile,
		ConfigPath: st.configPath,
		UnitPath:   st.unitPath,
		Steps:      run.Steps(),
	}
	if st.liboqs != nil {
		r.LiboqsVersion = st.liboqs.Ref
		r.LiboqsCommit = st.liboqs.Commit
	}
	if st.openssh != nil {
		r.SSHVersion = st.openssh.Ref
		r.SSHCommit = st.openssh.Commit
	}
	if st.hostKey != nil {
		r.HostKeyPath = st.hostKey.PrivatePath
	}

	if err := report.Write(a.cfg.ReportFile, r); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to write installation report.", "error", err)
	}
}

// printSummary gives the operator the one-screen outcome: what failed (or
// what was installed) and where to look next.
func (a *App) printSummary(run *pipeline.Run, execErr error) {
	if execErr != nil {
		fmt.Fprintf(a.outW, "\nInstallation failed (%s).\n", run.Status())
		for _, step := range run.Steps() {
			if step.Status == pipeline.Failed.String() && step.Error != "" {
				fmt.Fprintf(a.outW, "  failed step: %s\n  reason: %s\n", step.Name, step.Error)
				break
			}
		}
		fmt.Fprintf(a.outW, "  log file: %s\n", a.cfg.LogFile)
		return
	}

	if a.cfg.DryRun {
		return
	}

	fmt.Fprintf(a.outW, "\nInstallation %s.\n", run.Status())
	fmt.Fprintf(a.outW, "  prefix:  %s\n", a.cfg.Prefix)
	fmt.Fprintf(a.outW, "  report:  %s\n", a.cfg.ReportFile)
	fmt.Fprintf(a.outW, "  log:     %s\n", a.cfg.LogFile)
}
