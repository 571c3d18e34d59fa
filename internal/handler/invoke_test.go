package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

var identity = Identity{Hostname: "host-1", WorkerID: "worker-1", RunpodVersion: "test"}

// Scenario 1: a blocking handler returns a successful result.
func TestInvokeBlockingSuccess(t *testing.T) {
	var fn BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) {
		return Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeBlocking, fn, nil, nil, identity, Options{})

	require.Equal(t, models.KindSuccess, result.Kind)
	assert.JSONEq(t, `{"ok":true}`, string(result.Output))
}

// Scenario 2: a handler reports its own business-logic error.
func TestInvokeBlockingUserError(t *testing.T) {
	var fn BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) {
		return Result{Error: "bad input"}, nil
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeBlocking, fn, nil, nil, identity, Options{})

	require.Equal(t, models.KindUser, result.Kind)
	assert.Equal(t, "bad input", result.Message)
}

// Scenario 3: an uncaught panic becomes a retryable RuntimeError with a
// traceback, never propagates out of Invoke.
func TestInvokeBlockingPanic(t *testing.T) {
	var fn BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) {
		panic("handler exploded")
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeBlocking, fn, nil, nil, identity, Options{})

	require.Equal(t, models.KindRuntime, result.Kind)
	require.NotNil(t, result.RuntimeErr)
	assert.Equal(t, "PanicError", result.RuntimeErr.ErrorType)
	assert.Contains(t, result.RuntimeErr.ErrorMessage, "handler exploded")
	assert.NotEmpty(t, result.RuntimeErr.ErrorTraceback)
	assert.True(t, result.RuntimeErr.Retryable)
	assert.Equal(t, "worker-1", result.RuntimeErr.WorkerID)
}

// A plain returned error also becomes a RuntimeError, but is not
// marked retryable.
func TestInvokeBlockingReturnedError(t *testing.T) {
	var fn BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) {
		return Result{}, errors.New("boom")
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeBlocking, fn, nil, nil, identity, Options{})

	require.Equal(t, models.KindRuntime, result.Kind)
	assert.False(t, result.RuntimeErr.Retryable)
}

// Error wins over Output when a handler sets both (DESIGN.md Open
// Question #3).
func TestInvokeErrorWinsOverOutput(t *testing.T) {
	var fn BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) {
		return Result{Output: json.RawMessage(`{"partial":true}`), Error: "still failed"}, nil
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeBlocking, fn, nil, nil, identity, Options{})

	assert.Equal(t, models.KindUser, result.Kind)
	assert.Equal(t, "still failed", result.Message)
}

// Scenario 4: a streaming handler's fragments are forwarded in order,
// and the terminal result aggregates them when requested.
func TestInvokeStreamingSequence(t *testing.T) {
	var fn StreamFunc = func(ctx context.Context, job *models.Job) <-chan Fragment {
		ch := make(chan Fragment, 3)
		ch <- Fragment{Output: json.RawMessage(`1`)}
		ch <- Fragment{Output: json.RawMessage(`2`)}
		ch <- Fragment{Output: json.RawMessage(`3`)}
		close(ch)
		return ch
	}

	var seen []string
	onFragment := func(f models.StreamFragment) {
		seen = append(seen, string(f.Output))
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeStreaming, fn, onFragment, nil, identity, Options{ReturnAggregateStream: true})

	require.Equal(t, models.KindSuccess, result.Kind)
	assert.Equal(t, []string{"1", "2", "3"}, seen)
	assert.JSONEq(t, `[1,2,3]`, string(result.Output))
}

// A streaming handler's terminal result also carries opts.RefreshWorker,
// the same as the blocking path — Fragment has no per-call refresh
// signal of its own, so opts is the only source for this shape.
func TestInvokeStreamingCarriesOptsRefreshWorker(t *testing.T) {
	var fn StreamFunc = func(ctx context.Context, job *models.Job) <-chan Fragment {
		ch := make(chan Fragment)
		close(ch)
		return ch
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeStreaming, fn, func(models.StreamFragment) {}, nil, identity, Options{RefreshWorker: true})

	require.Equal(t, models.KindSuccess, result.Kind)
	assert.True(t, result.RefreshWorker)
}

// A handler reaching handler.EmitProgress from inside its own call has
// the update delivered to whatever ProgressFunc Invoke was given (C13).
func TestInvokeDeliversProgressToHandler(t *testing.T) {
	var got []string
	progress := func(payload json.RawMessage) {
		got = append(got, string(payload))
	}

	var fn BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) {
		EmitProgress(ctx, json.RawMessage(`{"pct":10}`))
		EmitProgress(ctx, json.RawMessage(`{"pct":90}`))
		return Result{Output: json.RawMessage(`{}`)}, nil
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeBlocking, fn, nil, progress, identity, Options{})

	require.Equal(t, models.KindSuccess, result.Kind)
	assert.Equal(t, []string{`{"pct":10}`, `{"pct":90}`}, got)
}

// EmitProgress is a silent no-op when the context carries no ProgressFunc
// (e.g. Invoke given a nil progress emitter).
func TestEmitProgressWithoutEmitterIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { EmitProgress(context.Background(), json.RawMessage(`{}`)) })
}

// A fragment carrying an error terminates the sequence as a
// RuntimeError instead of a partial Success.
func TestInvokeStreamingFragmentError(t *testing.T) {
	var fn StreamFunc = func(ctx context.Context, job *models.Job) <-chan Fragment {
		ch := make(chan Fragment, 2)
		ch <- Fragment{Output: json.RawMessage(`1`)}
		ch <- Fragment{Err: errors.New("mid-stream failure")}
		close(ch)
		return ch
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeStreaming, fn, func(models.StreamFragment) {}, nil, identity, Options{})

	require.Equal(t, models.KindRuntime, result.Kind)
	assert.Contains(t, result.RuntimeErr.ErrorMessage, "mid-stream failure")
}

func TestInvokeOversizedOutputDowngradesToUserError(t *testing.T) {
	var fn BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) {
		return Result{Output: json.RawMessage(`"0123456789"`)}, nil
	}

	result := Invoke(context.Background(), &models.Job{ID: "j1"}, ShapeBlocking, fn, nil, nil, identity, Options{MaxOutputBytes: 4})

	require.Equal(t, models.KindUser, result.Kind)
	assert.Contains(t, result.Message, "exceeds")
}

func TestClassify(t *testing.T) {
	var blocking BlockingFunc = func(ctx context.Context, job *models.Job) (Result, error) { return Result{}, nil }
	var cooperative CooperativeFunc = func(ctx context.Context, job *models.Job) (Result, error) { return Result{}, nil }
	var stream StreamFunc = func(ctx context.Context, job *models.Job) <-chan Fragment { return nil }
	var coopStream CooperativeStreamFunc = func(ctx context.Context, job *models.Job) <-chan Fragment { return nil }

	cases := []struct {
		h     any
		shape Shape
	}{
		{blocking, ShapeBlocking},
		{cooperative, ShapeCooperative},
		{stream, ShapeStreaming},
		{coopStream, ShapeCooperativeStreaming},
	}
	for _, c := range cases {
		shape, err := Classify(c.h)
		require.NoError(t, err)
		assert.Equal(t, c.shape, shape)
	}

	_, err := Classify(func() {})
	assert.Error(t, err)
}
