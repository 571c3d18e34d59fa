// Package handler implements the handler invoker (C3): classification of
// a user-supplied handler into one of four shapes, and uniform invocation
// that captures the outcome into a models.JobResult regardless of shape.
package handler

import (
	"context"
	"encoding/json"

	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// Result is what a handler function returns. A non-empty Error takes
// precedence over Output when both are set (spec.md's Open Question #3,
// resolved error-wins — see DESIGN.md).
type Result struct {
	Output        json.RawMessage
	Error         string
	RefreshWorker bool
}

// Fragment is one item of a streaming handler's lazy sequence. A non-nil
// Err terminates the sequence and becomes a RuntimeError terminal.
type Fragment struct {
	Output json.RawMessage
	Err    error
}

// BlockingFunc runs to completion on the caller's goroutine and returns a
// single Result. The runner gives each job its own goroutine, so a
// blocking handler holds only that job's goroutine for the duration of
// the call, not the runner's dispatch loop.
type BlockingFunc func(ctx context.Context, job *models.Job) (Result, error)

// CooperativeFunc has the same call shape as BlockingFunc; the shape
// exists so the invoker can classify it distinctly, matching
// spec.md's four-shape handler model even though Go's goroutine scheduler
// doesn't need the distinction to behave correctly.
type CooperativeFunc func(ctx context.Context, job *models.Job) (Result, error)

// StreamFunc produces a finite lazy sequence of partial outputs over a
// channel, closed by the handler when the sequence ends.
type StreamFunc func(ctx context.Context, job *models.Job) <-chan Fragment

// CooperativeStreamFunc is StreamFunc's cooperative counterpart; see
// CooperativeFunc's doc comment for why the two are distinguished by name
// rather than behavior.
type CooperativeStreamFunc func(ctx context.Context, job *models.Job) <-chan Fragment

// Shape discriminates which of the four handler variants was registered.
type Shape int

const (
	ShapeBlocking Shape = iota
	ShapeCooperative
	ShapeStreaming
	ShapeCooperativeStreaming
)

func (s Shape) String() string {
	switch s {
	case ShapeBlocking:
		return "blocking"
	case ShapeCooperative:
		return "cooperative"
	case ShapeStreaming:
		return "streaming"
	case ShapeCooperativeStreaming:
		return "cooperative_streaming"
	default:
		return "unknown"
	}
}

// ProgressFunc enqueues a best-effort, non-terminal progress update for
// the job currently being handled (C13). See WithProgress/EmitProgress.
type ProgressFunc func(json.RawMessage)

// Identity carries the fields every RuntimeError envelope must include.
type Identity struct {
	Hostname      string
	WorkerID      string
	RunpodVersion string
}

// Options configures invocation-wide behavior that isn't specific to any
// one handler shape.
type Options struct {
	ReturnAggregateStream bool
	MaxOutputBytes        int64
	RefreshWorker         bool
}
