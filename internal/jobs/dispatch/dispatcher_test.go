package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/jobs/runtime"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// fakeStore is an in-memory stand-in for both WorkUnitStore and TaskStore,
// good enough to exercise claim/heartbeat/retry/dead-letter/task-update
// without a real database.
type fakeStore struct {
	mu          sync.Mutex
	units       map[uuid.UUID]*domain.WorkUnit
	tasks       map[uuid.UUID]*domain.Task
	deadLetters []domain.DeadLetterEntry
	heartbeats  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{units: map[uuid.UUID]*domain.WorkUnit{}, tasks: map[uuid.UUID]*domain.Task{}}
}

func (f *fakeStore) addTask(taskType domain.Type) *domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &domain.Task{TaskID: uuid.New(), Status: domain.StatusPending, TaskType: taskType, QueuedAt: time.Now().UTC()}
	f.tasks[t.TaskID] = t
	return t
}

func (f *fakeStore) enqueue(kind domain.WorkUnitKind, taskID uuid.UUID, maxAttempts int) *domain.WorkUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	wu := &domain.WorkUnit{
		ID:          uuid.New(),
		Kind:        kind,
		TaskID:      taskID,
		Status:      domain.WorkUnitQueued,
		MaxAttempts: maxAttempts,
		AvailableAt: time.Now().UTC(),
	}
	f.units[wu.ID] = wu
	return wu
}

func (f *fakeStore) ClaimNext(ctx context.Context, kind domain.WorkUnitKind, staleAfter time.Duration) (*domain.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, wu := range f.units {
		if wu.Kind != kind {
			continue
		}
		due := wu.Status == domain.WorkUnitQueued && !wu.AvailableAt.After(now)
		retryDue := wu.Status == domain.WorkUnitFailed && wu.Attempt < wu.MaxAttempts && !wu.AvailableAt.After(now)
		if due || retryDue {
			wu.Status = domain.WorkUnitRunning
			wu.Attempt++
			cp := *wu
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeStore) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id].Status = domain.WorkUnitSucceeded
	return nil
}

func (f *fakeStore) MarkFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, nextAvailableAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wu := f.units[id]
	wu.Status = domain.WorkUnitFailed
	wu.LastError = errMsg
	wu.AvailableAt = nextAvailableAt
	return nil
}

func (f *fakeStore) MarkDeadLetter(ctx context.Context, wu *domain.WorkUnit, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.units[wu.ID]
	stored.Status = domain.WorkUnitFailed
	stored.LastError = errMsg
	f.deadLetters = append(f.deadLetters, domain.DeadLetterEntry{Kind: wu.Kind, TaskID: wu.TaskID, Attempts: wu.Attempt, LastError: errMsg})
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, apierr.Input("task_not_found", fmt.Errorf("no such task"))
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) Update(ctx context.Context, id uuid.UUID, fields map[string]any) (domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	prev := t.Status
	if s, ok := fields["status"].(domain.Status); ok {
		t.Status = s
	}
	if e, ok := fields["error"].(string); ok {
		t.Error = e
	}
	if m, ok := fields["message"].(string); ok {
		t.Message = m
	}
	return prev, nil
}

type fakeHandler struct {
	kind string
	run  func(ctx *runtime.Context) error
}

func (h *fakeHandler) Type() string                   { return h.kind }
func (h *fakeHandler) Run(ctx *runtime.Context) error { return h.run(ctx) }

func newTestDispatcher(t *testing.T, reg *runtime.Registry, store *fakeStore) *Dispatcher {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	d := New(log, reg, store, store)
	d.pollIdle = 5 * time.Millisecond
	return d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.FailNow(t, "condition not met within timeout")
}

func TestDispatcherRunsSucceedingHandlerAndAcks(t *testing.T) {
	store := newFakeStore()
	task := store.addTask(domain.TypeDownload)
	wu := store.enqueue(domain.WorkUnitDownload, task.TaskID, 3)

	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{
		kind: string(domain.WorkUnitDownload),
		run: func(ctx *runtime.Context) error {
			return ctx.Succeed("done", "blob/key")
		},
	}))

	d := newTestDispatcher(t, reg, store)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx, []PoolConfig{{Kind: domain.WorkUnitDownload, Workers: 1}}) }()
	defer cancel()

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.units[wu.ID].Status == domain.WorkUnitSucceeded
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, domain.StatusCompleted, store.tasks[task.TaskID].Status)
}

func TestDispatcherRetriesTransientFailureThenDeadLetters(t *testing.T) {
	store := newFakeStore()
	task := store.addTask(domain.TypeTranscribe)
	wu := store.enqueue(domain.WorkUnitTranscribe, task.TaskID, 2)

	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{
		kind: string(domain.WorkUnitTranscribe),
		run: func(ctx *runtime.Context) error {
			return apierr.Upstream("asr_unavailable", fmt.Errorf("connection refused"))
		},
	}))

	d := newTestDispatcher(t, reg, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx, []PoolConfig{{Kind: domain.WorkUnitTranscribe, Workers: 1}}) }()
	defer cancel()

	waitFor(t, 5*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deadLetters) == 1
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, domain.StatusFailed, store.tasks[task.TaskID].Status)
	require.Equal(t, deadLetterMessage, store.tasks[task.TaskID].Error)
	require.GreaterOrEqual(t, store.units[wu.ID].Attempt, 2)
}

func TestDispatcherNoHandlerRegisteredDeadLettersImmediately(t *testing.T) {
	store := newFakeStore()
	task := store.addTask(domain.TypeEnrich)
	store.enqueue(domain.WorkUnitEnrich, task.TaskID, 1)

	reg := runtime.NewRegistry()
	d := newTestDispatcher(t, reg, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx, []PoolConfig{{Kind: domain.WorkUnitEnrich, Workers: 1}}) }()
	defer cancel()

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deadLetters) == 1
	})
}

func TestComputeBackoffIsCappedAndPositive(t *testing.T) {
	b := computeBackoff(1)
	require.Greater(t, b, time.Duration(0))

	capped := computeBackoff(20)
	require.LessOrEqual(t, capped, maxBackoff+maxBackoff/5)
}
