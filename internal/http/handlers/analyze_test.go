package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/pipeline"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// fakeAnalyzeStore backs both the handler's TaskReader/CreateTask surface
// and the Coordinator's TaskStore/WorkQueue surface with a single in-memory
// map, good enough to exercise the HTTP layer without a database.
type fakeAnalyzeStore struct {
	byID  map[uuid.UUID]*domain.Task
	edges map[uuid.UUID]map[domain.EdgeKind]uuid.UUID
}

func newFakeAnalyzeStore() *fakeAnalyzeStore {
	return &fakeAnalyzeStore{byID: map[uuid.UUID]*domain.Task{}, edges: map[uuid.UUID]map[domain.EdgeKind]uuid.UUID{}}
}

func (f *fakeAnalyzeStore) CreateTask(_ context.Context, taskType domain.Type, sourceURL string, _ map[string]any) (*domain.Task, error) {
	t := &domain.Task{TaskID: uuid.New(), Status: domain.StatusPending, TaskType: taskType, SourceURL: sourceURL}
	f.byID[t.TaskID] = t
	return t, nil
}

func (f *fakeAnalyzeStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, apierr.Input("task_not_found", errTaskNotFound)
	}
	return t, nil
}

var errTaskNotFound = notFoundStub{}

func (f *fakeAnalyzeStore) Update(_ context.Context, id uuid.UUID, fields map[string]any) (domain.Status, error) {
	t := f.byID[id]
	prev := t.Status
	if s, ok := fields["status"].(domain.Status); ok {
		t.Status = s
	}
	return prev, nil
}

func (f *fakeAnalyzeStore) SetEdge(_ context.Context, from uuid.UUID, kind domain.EdgeKind, to uuid.UUID) error {
	if f.edges[from] == nil {
		f.edges[from] = map[domain.EdgeKind]uuid.UUID{}
	}
	f.edges[from][kind] = to
	return nil
}

func (f *fakeAnalyzeStore) GetEdge(_ context.Context, from uuid.UUID, kind domain.EdgeKind) (*uuid.UUID, error) {
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

func (f *fakeAnalyzeStore) Children(_ context.Context, root uuid.UUID) (map[domain.EdgeKind]uuid.UUID, error) {
	out := map[domain.EdgeKind]uuid.UUID{}
	for k, v := range f.edges[root] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAnalyzeStore) Enqueue(_ context.Context, _ domain.WorkUnitKind, _ uuid.UUID, _ map[string]any, _ int) (*domain.WorkUnit, error) {
	return &domain.WorkUnit{ID: uuid.New()}, nil
}

type notFoundStub struct{}

func (notFoundStub) Error() string { return "task_not_found" }

func newTestAnalyzeHandler(t *testing.T) (*AnalyzeHandler, *fakeAnalyzeStore) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	store := newFakeAnalyzeStore()
	coord := pipeline.NewCoordinator(log, store, store)
	return NewAnalyzeHandler(store, coord), store
}

func newGinContext(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rr := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rr)
	c.Request = req
	return c, rr
}

func TestAnalyzeCreateMissingURLReturns400(t *testing.T) {
	h, _ := newTestAnalyzeHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/video/analyze", nil)
	c, rr := newGinContext(req)

	h.Create(c)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAnalyzeCreateStartsRootAndReturnsPending(t *testing.T) {
	h, store := newTestAnalyzeHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/video/analyze?url=https://example.com/a.mp4", nil)
	c, rr := newGinContext(req)

	h.Create(c)

	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		TaskID uuid.UUID `json:"task_id"`
		Status string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, "Pending", out.Status)

	// The root's download child must already be chained.
	_, ok := store.edges[out.TaskID][domain.EdgeDownload]
	require.True(t, ok)
}

func TestAnalyzeSnapshotMalformedTaskIDReturns400(t *testing.T) {
	h, _ := newTestAnalyzeHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/video/analyze/not-a-uuid", nil)
	c, rr := newGinContext(req)
	c.Params = gin.Params{{Key: "id", Value: "not-a-uuid"}}

	h.Snapshot(c)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAnalyzeSnapshotUnknownTaskReturns404(t *testing.T) {
	h, _ := newTestAnalyzeHandler(t)
	missing := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/video/analyze/"+missing.String(), nil)
	c, rr := newGinContext(req)
	c.Params = gin.Params{{Key: "id", Value: missing.String()}}

	h.Snapshot(c)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAnalyzeSnapshotReturnsReconciledView(t *testing.T) {
	h, store := newTestAnalyzeHandler(t)
	root, err := store.CreateTask(context.Background(), domain.TypeRoot, "https://example.com/a.mp4", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/video/analyze/"+root.TaskID.String(), nil)
	c, rr := newGinContext(req)
	c.Params = gin.Params{{Key: "id", Value: root.TaskID.String()}}

	h.Snapshot(c)

	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Status   string `json:"status"`
		Phase    string `json:"phase"`
		Progress int    `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, "Pending", out.Status)
	require.Equal(t, "pending", out.Phase)
}
