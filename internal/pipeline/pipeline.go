// Package pipeline models an installation as an ordered sequence of named
// steps with explicit state, a reverse-order cleanup stack, and a lock that
// keeps two runs from interleaving writes under the same prefix.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a step or of the whole run.
type Status int32

const (
	Pending Status = iota
	Running
	Succeeded
	Failed
	RolledBack
)

// String returns the lower-case name used in logs, reports, and the
// status endpoint.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// RunFunc is one step's body. Cleanup actions registered through the
// Control survive the step and run in reverse registration order if a
// later step (or this one) fails.
type RunFunc func(ctx context.Context, control *Control) error

// Step is a named unit of work. Steps execute strictly in declaration
// order; a step never starts unless every predecessor succeeded.
type Step struct {
	Name string
	Run  RunFunc

	status   Status
	err      error
	started  time.Time
	duration time.Duration
}

// StepSnapshot is an immutable view of one step for reporting.
type StepSnapshot struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Run is one pipeline invocation: an ordered step sequence, an overall
// status, and the cleanup stack accumulated while steps executed.
type Run struct {
	ID        string
	StartedAt time.Time

	mu       sync.Mutex
	status   Status
	steps    []*Step
	cleanups []cleanupAction
}

type cleanupAction struct {
	owner *Step
	name  string
	fn    func(ctx context.Context) error
}

// newRun builds a Run with every step Pending.
func newRun(steps []*Step) *Run {
	return &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		status:    Pending,
		steps:     steps,
	}
}

// Status returns the run's overall status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Steps returns a point-in-time view of every step, in declaration order.
// The status endpoint and the report both consume this.
func (r *Run) Steps() []StepSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]StepSnapshot, len(r.steps))
	for i, s := range r.steps {
		snap := StepSnapshot{
			Name:     s.Name,
			Status:   s.status.String(),
			Duration: s.duration,
		}
		if s.err != nil {
			snap.Error = s.err.Error()
		}
		out[i] = snap
	}
	return out
}

// Control is handed to each step while it runs.
type Control struct {
	run  *Run
	step *Step
}

// OnFailure registers a cleanup action owned by the current step. Actions
// run in reverse registration order when the run fails; their own failures
// are logged as warnings and never escalate.
func (c *Control) OnFailure(name string, fn func(ctx context.Context) error) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.run.cleanups = append(c.run.cleanups, cleanupAction{owner: c.step, name: name, fn: fn})
}
