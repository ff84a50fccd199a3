package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// fakeTaskStore is a minimal in-memory TaskStore/WorkQueue double for
// exercising the Coordinator's chaining and idempotency behavior without a
// database.
type fakeTaskStore struct {
	tasksByID map[uuid.UUID]*domain.Task
	edges     map[uuid.UUID]map[domain.EdgeKind]uuid.UUID
	enqueued  []domain.WorkUnitKind
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		tasksByID: map[uuid.UUID]*domain.Task{},
		edges:     map[uuid.UUID]map[domain.EdgeKind]uuid.UUID{},
	}
}

func (f *fakeTaskStore) CreateTask(_ context.Context, taskType domain.Type, sourceURL string, _ map[string]any) (*domain.Task, error) {
	t := &domain.Task{TaskID: uuid.New(), Status: domain.StatusPending, TaskType: taskType, SourceURL: sourceURL}
	f.tasksByID[t.TaskID] = t
	return t, nil
}

func (f *fakeTaskStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	t, ok := f.tasksByID[id]
	if !ok {
		return nil, errNotFound
	}
	return t, nil
}

func (f *fakeTaskStore) Update(_ context.Context, id uuid.UUID, fields map[string]any) (domain.Status, error) {
	t := f.tasksByID[id]
	prev := t.Status
	if status, ok := fields["status"]; ok {
		t.Status = status.(domain.Status)
	}
	if v, ok := fields["output_ref"]; ok {
		t.OutputRef = v.(string)
	}
	if v, ok := fields["error"]; ok {
		t.Error = v.(string)
	}
	return prev, nil
}

func (f *fakeTaskStore) SetEdge(_ context.Context, from uuid.UUID, kind domain.EdgeKind, to uuid.UUID) error {
	if f.edges[from] == nil {
		f.edges[from] = map[domain.EdgeKind]uuid.UUID{}
	}
	f.edges[from][kind] = to
	return nil
}

func (f *fakeTaskStore) GetEdge(_ context.Context, from uuid.UUID, kind domain.EdgeKind) (*uuid.UUID, error) {
	m, ok := f.edges[from]
	if !ok {
		return nil, nil
	}
	to, ok := m[kind]
	if !ok {
		return nil, nil
	}
	return &to, nil
}

func (f *fakeTaskStore) Children(_ context.Context, root uuid.UUID) (map[domain.EdgeKind]uuid.UUID, error) {
	out := map[domain.EdgeKind]uuid.UUID{}
	for k, v := range f.edges[root] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTaskStore) Enqueue(_ context.Context, kind domain.WorkUnitKind, _ uuid.UUID, _ map[string]any, _ int) (*domain.WorkUnit, error) {
	f.enqueued = append(f.enqueued, kind)
	return &domain.WorkUnit{ID: uuid.New(), Kind: kind}, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeTaskStore) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	store := newFakeTaskStore()
	return NewCoordinator(log, store, store), store
}

func TestStartRootCreatesDownloadChildAndEnqueues(t *testing.T) {
	c, store := newTestCoordinator(t)
	root := uuid.New()

	require.NoError(t, c.StartRoot(context.Background(), root, "https://example.com/a.mp4"))

	childID := store.edges[root][domain.EdgeDownload]
	require.NotEqual(t, uuid.Nil, childID)
	require.Equal(t, domain.TypeDownload, store.tasksByID[childID].TaskType)
	require.Equal(t, []domain.WorkUnitKind{domain.WorkUnitDownload}, store.enqueued)
}

func TestStartRootIsIdempotent(t *testing.T) {
	c, store := newTestCoordinator(t)
	root := uuid.New()

	require.NoError(t, c.StartRoot(context.Background(), root, "https://example.com/a.mp4"))
	require.NoError(t, c.StartRoot(context.Background(), root, "https://example.com/a.mp4"))

	require.Len(t, store.enqueued, 1, "second StartRoot call must be a no-op")
}

func TestAdvanceAfterDownloadCreatesTranscribeChildWithBothEdges(t *testing.T) {
	c, store := newTestCoordinator(t)
	root := uuid.New()
	downloadTask := uuid.New()

	require.NoError(t, c.AdvanceAfterDownload(context.Background(), root, downloadTask, "blob/audio.wav"))

	childID := store.edges[root][domain.EdgeTranscribe]
	require.NotEqual(t, uuid.Nil, childID)
	require.Equal(t, root, store.edges[childID][domain.EdgeRoot])
	require.Equal(t, []domain.WorkUnitKind{domain.WorkUnitTranscribe}, store.enqueued)
}

func TestAdvanceAfterEnrichCompletesRootAndSetsOutputRef(t *testing.T) {
	c, store := newTestCoordinator(t)
	root, _ := store.CreateTask(context.Background(), domain.TypeRoot, "https://example.com/a.mp4", nil)

	require.NoError(t, c.AdvanceAfterEnrich(context.Background(), root.TaskID, "blob/final.json"))

	got := store.tasksByID[root.TaskID]
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, "blob/final.json", got.OutputRef)
}

func TestAdvanceAfterEnrichIsIdempotentOnceCompleted(t *testing.T) {
	c, store := newTestCoordinator(t)
	root, _ := store.CreateTask(context.Background(), domain.TypeRoot, "https://example.com/a.mp4", nil)
	require.NoError(t, c.AdvanceAfterEnrich(context.Background(), root.TaskID, "blob/final.json"))

	require.NoError(t, c.AdvanceAfterEnrich(context.Background(), root.TaskID, "blob/other.json"))

	require.Equal(t, "blob/final.json", store.tasksByID[root.TaskID].OutputRef, "second call must not overwrite")
}

func TestPropagateFailureMarksRootFailed(t *testing.T) {
	c, store := newTestCoordinator(t)
	root, _ := store.CreateTask(context.Background(), domain.TypeRoot, "https://example.com/a.mp4", nil)

	require.NoError(t, c.PropagateFailure(context.Background(), root.TaskID, "transcribe", "asr unavailable"))

	got := store.tasksByID[root.TaskID]
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Equal(t, "asr unavailable", got.Error)
}

func TestPropagateFailureIsNoOpOnTerminalRoot(t *testing.T) {
	c, store := newTestCoordinator(t)
	root, _ := store.CreateTask(context.Background(), domain.TypeRoot, "https://example.com/a.mp4", nil)
	require.NoError(t, c.PropagateFailure(context.Background(), root.TaskID, "download", "first error"))

	require.NoError(t, c.PropagateFailure(context.Background(), root.TaskID, "enrich", "second error"))

	require.Equal(t, "first error", store.tasksByID[root.TaskID].Error)
}

func TestRootTaskIDExtractsValidUUID(t *testing.T) {
	id := uuid.New()
	got, err := RootTaskID(map[string]any{"root_task_id": id.String()})
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestRootTaskIDRejectsMissingField(t *testing.T) {
	_, err := RootTaskID(map[string]any{})
	require.Error(t, err)
}

func TestRootTaskIDRejectsMalformedUUID(t *testing.T) {
	_, err := RootTaskID(map[string]any{"root_task_id": "not-a-uuid"})
	require.Error(t, err)
}
