package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// FragmentFunc is called for every non-terminal partial a streaming
// handler emits, in order, before the terminal result is built.
type FragmentFunc func(models.StreamFragment)

type progressKey struct{}

// WithProgress attaches a ProgressFunc to ctx so a handler running with
// that context can reach it via EmitProgress. Invoke calls this once per
// job before running the handler; handlers never need to touch it
// directly.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// EmitProgress enqueues a best-effort progress update (C13) from within a
// running handler. It is a no-op if ctx carries no ProgressFunc, which
// happens when Invoke was given a nil progress function or the handler
// is called directly, outside Invoke.
func EmitProgress(ctx context.Context, payload json.RawMessage) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(payload)
	}
}

// Invoke dispatches job to h according to shape and returns the terminal
// JobResult. onFragment is called for each StreamFragment a streaming
// handler yields; it is never called for blocking/cooperative handlers.
// progress, if non-nil, becomes reachable from inside the handler via
// EmitProgress for the duration of this call.
func Invoke(ctx context.Context, job *models.Job, shape Shape, h any, onFragment FragmentFunc, progress ProgressFunc, id Identity, opts Options) models.JobResult {
	if progress != nil {
		ctx = WithProgress(ctx, progress)
	}
	switch shape {
	case ShapeBlocking:
		return invokeSingle(ctx, job, h.(BlockingFunc), id, opts)
	case ShapeCooperative:
		return invokeSingle(ctx, job, h.(CooperativeFunc).asBlocking(), id, opts)
	case ShapeStreaming:
		return invokeStream(ctx, job, h.(StreamFunc), onFragment, id, opts)
	case ShapeCooperativeStreaming:
		return invokeStream(ctx, job, h.(CooperativeStreamFunc).asStream(), onFragment, id, opts)
	default:
		return models.Runtime(&models.RuntimeError{
			ErrorType:    "InvalidHandlerShape",
			ErrorMessage: fmt.Sprintf("unrecognized handler shape %v", shape),
			Hostname:     id.Hostname,
			WorkerID:     id.WorkerID,
		})
	}
}

func (f CooperativeFunc) asBlocking() BlockingFunc { return BlockingFunc(f) }

func (f CooperativeStreamFunc) asStream() StreamFunc { return StreamFunc(f) }

// invokeSingle runs a blocking-shaped function to completion, recovering
// any panic into a RuntimeError with a full traceback (spec.md §4.3's
// "any uncaught exception is captured into RuntimeError").
func invokeSingle(ctx context.Context, job *models.Job, fn BlockingFunc, id Identity, opts Options) (result models.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = runtimeErrorFromPanic(r, id)
		}
	}()

	res, err := fn(ctx, job)
	if err != nil {
		return runtimeErrorFromErr(err, id)
	}
	return finalize(res, id, opts)
}

// invokeStream ranges over a streaming handler's fragment channel,
// forwarding each item via onFragment, and builds the terminal result
// once the channel closes: an aggregated Success if opts requests it, an
// empty Success otherwise, or a RuntimeError if any fragment carried an
// error (spec.md §4.3: "An exception mid-stream terminates the sequence
// and emits a RuntimeError terminal").
func invokeStream(ctx context.Context, job *models.Job, fn StreamFunc, onFragment FragmentFunc, id Identity, opts Options) (result models.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = runtimeErrorFromPanic(r, id)
		}
	}()

	ch := fn(ctx, job)
	var aggregated []json.RawMessage

	for {
		select {
		case <-ctx.Done():
			return runtimeErrorFromErr(ctx.Err(), id)
		case frag, ok := <-ch:
			if !ok {
				return finalizeStream(aggregated, id, opts)
			}
			if frag.Err != nil {
				return runtimeErrorFromErr(frag.Err, id)
			}
			if onFragment != nil {
				onFragment(models.StreamFragment{Output: frag.Output})
			}
			if opts.ReturnAggregateStream {
				aggregated = append(aggregated, frag.Output)
			}
		}
	}
}

// finalizeStream implements the streaming-path contract: since Fragment
// carries no per-call refresh signal, opts.RefreshWorker is the only
// source of the flag here (DESIGN.md Open Question #2 applies to all
// four shapes, not just the blocking ones).
func finalizeStream(aggregated []json.RawMessage, id Identity, opts Options) models.JobResult {
	if !opts.ReturnAggregateStream {
		out := models.Success(nil)
		out.RefreshWorker = opts.RefreshWorker
		return out
	}
	joined, err := json.Marshal(aggregated)
	if err != nil {
		return runtimeErrorFromErr(fmt.Errorf("aggregating stream output: %w", err), id)
	}
	out := models.Success(joined)
	out.RefreshWorker = opts.RefreshWorker
	return checkOutputSize(out, opts)
}

// finalize implements the blocking-path contract: an Error field wins
// over Output when both are present, a RefreshWorker flag is carried
// through, and oversized output is downgraded to a UserError.
func finalize(res Result, id Identity, opts Options) models.JobResult {
	if res.Error != "" {
		out := models.UserErr(res.Error)
		out.RefreshWorker = res.RefreshWorker || opts.RefreshWorker
		return out
	}
	out := models.Success(res.Output)
	out.RefreshWorker = res.RefreshWorker || opts.RefreshWorker
	return checkOutputSize(out, opts)
}

// checkOutputSize replaces an oversized terminal Success with a UserError
// noting the size, per spec.md §4.3's documented-but-unspecified maximum
// (DESIGN.md Open Question #1).
func checkOutputSize(res models.JobResult, opts Options) models.JobResult {
	if opts.MaxOutputBytes <= 0 || res.Kind != models.KindSuccess {
		return res
	}
	if int64(len(res.Output)) <= opts.MaxOutputBytes {
		return res
	}
	refresh := res.RefreshWorker
	out := models.UserErr(fmt.Sprintf("handler output of %d bytes exceeds the %d byte limit", len(res.Output), opts.MaxOutputBytes))
	out.RefreshWorker = refresh
	return out
}

func runtimeErrorFromErr(err error, id Identity) models.JobResult {
	return models.Runtime(&models.RuntimeError{
		ErrorType:      fmt.Sprintf("%T", err),
		ErrorMessage:   err.Error(),
		ErrorTraceback: string(debug.Stack()),
		Hostname:       id.Hostname,
		WorkerID:       id.WorkerID,
		RunpodVersion:  id.RunpodVersion,
		Retryable:      false,
	})
}

func runtimeErrorFromPanic(r any, id Identity) models.JobResult {
	msg := fmt.Sprintf("%v", r)
	return models.Runtime(&models.RuntimeError{
		ErrorType:      "PanicError",
		ErrorMessage:   msg,
		ErrorTraceback: string(debug.Stack()),
		Hostname:       id.Hostname,
		WorkerID:       id.WorkerID,
		RunpodVersion:  id.RunpodVersion,
		Retryable:      true,
	})
}
