package orchestrator

import (
	"sort"
	"time"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/internal/telemetry"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// DefaultCancelGrace bounds how long an in-flight task may keep running
// after its run is canceled when no TaskTimeout is set.
const DefaultCancelGrace = 30 * time.Second

// Options tunes an inventory run.
type Options struct {
	// Concurrency is the maximum number of tasks in flight.
	Concurrency int
	// MaxAttempts bounds retries of throttled or transient failures.
	MaxAttempts int
	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// TaskTimeout bounds a single attempt, and the time an in-flight task
	// gets to finish after the run is canceled. Zero means no attempt
	// timeout and a DefaultCancelGrace finish window.
	TaskTimeout time.Duration
	// RequestsPerSecond paces task attempts across the run. Zero disables pacing.
	RequestsPerSecond float64

	Logger  *telemetry.Logger
	Metrics *Metrics
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Concurrency:    8,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		TaskTimeout:    5 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(d.MaxBackoff, o.InitialBackoff)
	}
	return o
}

// Task is one (collector, region) pair of the run matrix.
type Task struct {
	Service resource.Service `json:"service"`
	Region  string           `json:"region"`
}

// TaskFailure records why a task produced nothing.
type TaskFailure struct {
	Service  resource.Service `json:"service"`
	Region   string           `json:"region"`
	Kind     fault.Kind       `json:"kind"`
	Attempts int              `json:"attempts"`
	Error    string           `json:"error"`
}

// Report summarizes an inventory run.
type Report struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Regions    []string                 `json:"regions"`
	Services   []resource.Service       `json:"services"`
	Tasks      int                      `json:"tasks"`
	Succeeded  int                      `json:"succeeded"`
	Skipped    int                      `json:"skipped"`
	Resources  int                      `json:"resources"`
	Dropped    int                      `json:"dropped"`
	Incomplete int                      `json:"incomplete"`
	ByService  map[resource.Service]int `json:"by_service"`
	Failures   []TaskFailure            `json:"failures,omitempty"`
	Canceled   bool                     `json:"canceled,omitempty"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed reports whether any task failed.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

func (r *Report) sortFailures() {
	sort.Slice(r.Failures, func(i, j int) bool {
		a, b := r.Failures[i], r.Failures[j]
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return a.Region < b.Region
	})
}
