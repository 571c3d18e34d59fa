package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthurcrodrigues/worker-runtime/internal/handler"
	"github.com/arthurcrodrigues/worker-runtime/internal/queue"
	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

type fakePoster struct {
	mu       sync.Mutex
	results  []models.ResultEnvelope
	progress []models.ProgressUpdate
}

func (f *fakePoster) PostResult(ctx context.Context, jobID string, isStream bool, envelope models.ResultEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, envelope)
	return nil
}

func (f *fakePoster) PostStream(ctx context.Context, jobID string, fragment models.StreamFragment) error {
	return nil
}

func (f *fakePoster) Progress(jobID string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, models.ProgressUpdate{JobID: jobID, Payload: payload})
}

func (f *fakePoster) snapshot() []models.ResultEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ResultEnvelope, len(f.results))
	copy(out, f.results)
	return out
}

func (f *fakePoster) progressSnapshot() []models.ProgressUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ProgressUpdate, len(f.progress))
	copy(out, f.progress)
	return out
}

type fakeRegistry struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRegistry) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type staticProvider struct {
	q      *queue.Queue
	budget int
}

func (p *staticProvider) Queue() *queue.Queue { return p.q }
func (p *staticProvider) Budget() int         { return p.budget }

// TestRunnerDispatchesAndReportsSuccess exercises the happy path: a
// queued job runs through a blocking handler and its result is posted
// and removed from the registry.
func TestRunnerDispatchesAndReportsSuccess(t *testing.T) {
	q := queue.New(4)
	provider := &staticProvider{q: q, budget: 2}
	poster := &fakePoster{}
	reg := &fakeRegistry{}

	var handlerFn handler.BlockingFunc = func(ctx context.Context, job *models.Job) (handler.Result, error) {
		return handler.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	}

	r := New(poster, reg, provider, Config{Handler: handlerFn, Shape: handler.ShapeBlocking}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(ctx, models.Job{ID: "job-1"}))

	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(poster.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, reg.removed, "job-1")
	assert.JSONEq(t, `{"ok":true}`, string(poster.snapshot()[0].Output))
}

// TestRunnerForwardsHandlerProgress verifies C13: a handler reaching
// handler.EmitProgress from inside its own call has that update land on
// the Poster tagged with the right job ID.
func TestRunnerForwardsHandlerProgress(t *testing.T) {
	q := queue.New(4)
	provider := &staticProvider{q: q, budget: 2}
	poster := &fakePoster{}
	reg := &fakeRegistry{}

	var handlerFn handler.BlockingFunc = func(ctx context.Context, job *models.Job) (handler.Result, error) {
		handler.EmitProgress(ctx, json.RawMessage(`{"pct":50}`))
		handler.EmitProgress(ctx, json.RawMessage(`{"pct":100}`))
		return handler.Result{Output: json.RawMessage(`{}`)}, nil
	}

	r := New(poster, reg, provider, Config{Handler: handlerFn, Shape: handler.ShapeBlocking}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(ctx, models.Job{ID: "job-progress"}))

	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(poster.progressSnapshot()) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	updates := poster.progressSnapshot()
	assert.Equal(t, "job-progress", updates[0].JobID)
	assert.JSONEq(t, `{"pct":50}`, string(updates[0].Payload))
	assert.Equal(t, "job-progress", updates[1].JobID)
	assert.JSONEq(t, `{"pct":100}`, string(updates[1].Payload))
}

// TestRunnerCapsConcurrency verifies P4: no more than Budget() handlers
// run at once.
func TestRunnerCapsConcurrency(t *testing.T) {
	q := queue.New(8)
	provider := &staticProvider{q: q, budget: 2}
	poster := &fakePoster{}
	reg := &fakeRegistry{}

	var active, maxActive int32
	var mu sync.Mutex
	release := make(chan struct{})

	var handlerFn handler.BlockingFunc = func(ctx context.Context, job *models.Job) (handler.Result, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		<-release

		mu.Lock()
		active--
		mu.Unlock()
		return handler.Result{}, nil
	}

	r := New(poster, reg, provider, Config{Handler: handlerFn, Shape: handler.ShapeBlocking}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, models.Job{ID: string(rune('a' + i))}))
	}

	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 2
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return len(poster.snapshot()) == 5 }, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.LessOrEqual(t, int(maxActive), 2)
	mu.Unlock()

	cancel()
	<-done
}

// TestRunnerDrainsBeforeReturningOnShutdown verifies P5: once ctx is
// cancelled, no new jobs are popped, but an already-dispatched job
// still runs to completion and reports before Run returns.
func TestRunnerDrainsBeforeReturningOnShutdown(t *testing.T) {
	q := queue.New(4)
	provider := &staticProvider{q: q, budget: 1}
	poster := &fakePoster{}
	reg := &fakeRegistry{}

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerFn handler.BlockingFunc = func(ctx context.Context, job *models.Job) (handler.Result, error) {
		close(started)
		<-release
		return handler.Result{Output: json.RawMessage(`{}`)}, nil
	}

	r := New(poster, reg, provider, Config{Handler: handlerFn, Shape: handler.ShapeBlocking}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(ctx, models.Job{ID: "slow-job"}))

	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("runner returned before in-flight job finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return after in-flight job finished")
	}

	assert.Len(t, poster.snapshot(), 1)
}
