package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
)

// Orchestrator sequences steps for one installation invocation. Steps run
// one at a time; only each step's own commands may use internal
// parallelism (e.g. a jobs-limited compile).
type Orchestrator struct {
	steps  []*Step
	lock   *Lock
	tracer trace.Tracer
	dryRun bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLock guards the run with a prefix-scoped lock file.
func WithLock(lock *Lock) Option {
	return func(o *Orchestrator) { o.lock = lock }
}

// WithTracer emits one span per step.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithDryRun logs the plan without executing any step.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// New returns an empty Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{tracer: noop.NewTracerProvider().Tracer("")}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddStep appends a step; execution order is declaration order.
func (o *Orchestrator) AddStep(name string, run RunFunc) {
	o.steps = append(o.steps, &Step{Name: name, Run: run})
}

// Plan returns the declared step names in execution order.
func (o *Orchestrator) Plan() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name
	}
	return names
}

// NewRun materializes a Run with every declared step Pending. Callers that
// want live observation (the status endpoint) create the Run first and
// pass it to Execute; Execute also accepts nil and creates one itself.
func (o *Orchestrator) NewRun() *Run {
	return newRun(o.steps)
}

// Execute runs every step in order and returns the finished Run. On the
// first failure the run is marked Failed, later steps stay Pending, and
// registered cleanup actions execute in reverse order. The returned error
// is the failed step's error; the Run is returned in all cases so callers
// can report it.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) (*Run, error) {
	logger := ctxlog.FromContext(ctx)
	if run == nil {
		run = newRun(o.steps)
	}

	if o.dryRun {
		logger.Info("Dry run: listing plan without executing.", "run_id", run.ID)
		for i, s := range o.steps {
			logger.Info("Planned step.", "order", i+1, "step", s.Name)
		}
		return run, nil
	}

	if o.lock != nil {
		if err := o.lock.Acquire(run.ID); err != nil {
			run.setStatus(Failed)
			return run, err
		}
		defer o.lock.Release(ctx)
	}

	run.setStatus(Running)
	logger.Info("Pipeline starting.", "run_id", run.ID, "steps", len(o.steps))

	var failedErr error
	for _, step := range o.steps {
		if err := ctx.Err(); err != nil {
			failedErr = fmt.Errorf("pipeline: canceled before step %q: %w", step.Name, err)
			step.setFailed(run, failedErr)
			break
		}

		stepCtx, span := o.tracer.Start(ctx, "step",
			trace.WithAttributes(attribute.String("step.name", step.Name)))
		stepCtx = ctxlog.With(stepCtx, "step", step.Name)
		stepLogger := ctxlog.FromContext(stepCtx)

		run.mu.Lock()
		step.status = Running
		step.started = time.Now()
		run.mu.Unlock()
		stepLogger.Info("Step starting.")

		err := step.Run(stepCtx, &Control{run: run, step: step})

		run.mu.Lock()
		step.duration = time.Since(step.started)
		run.mu.Unlock()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			stepLogger.Error("Step failed.", "error", err, "duration", step.duration.Round(time.Millisecond))
			failedErr = fmt.Errorf("pipeline: step %q: %w", step.Name, err)
			step.setFailed(run, err)
			break
		}

		span.End()
		run.mu.Lock()
		step.status = Succeeded
		run.mu.Unlock()
		stepLogger.Info("Step succeeded.", "duration", step.duration.Round(time.Millisecond))
	}

	if failedErr != nil {
		run.setStatus(Failed)
		o.runCleanups(ctx, run)
		return run, failedErr
	}

	run.setStatus(Succeeded)
	logger.Info("Pipeline succeeded.", "run_id", run.ID)
	return run, nil
}

func (s *Step) setFailed(run *Run, err error) {
	run.mu.Lock()
	s.status = Failed
	s.err = err
	run.mu.Unlock()
}

// runCleanups executes registered cleanup actions in reverse registration
// order. A cleanup failure is a warning, never a second pipeline failure.
// A succeeded step whose cleanup ran is marked RolledBack.
func (o *Orchestrator) runCleanups(ctx context.Context, run *Run) {
	logger := ctxlog.FromContext(ctx)

	run.mu.Lock()
	actions := make([]cleanupAction, len(run.cleanups))
	copy(actions, run.cleanups)
	run.mu.Unlock()

	// Cleanups must still run after cancellation; give them a detached
	// context so Ctrl-C does not abort the unwind itself.
	cleanupCtx := context.WithoutCancel(ctx)

	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		logger.Info("Running cleanup action.", "cleanup", action.name, "owner", action.owner.Name)
		if err := action.fn(cleanupCtx); err != nil {
			logger.Warn("Cleanup action failed.", "cleanup", action.name, "error", err)
			continue
		}
		run.mu.Lock()
		if action.owner.status == Succeeded {
			action.owner.status = RolledBack
		}
		run.mu.Unlock()
	}
}
