package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/http/response"
	"github.com/clipcaption/pipeline/internal/pipeline"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
)

var errMissingURL = errors.New("url query parameter is required")

// analyzeTaskStore is the Task Store surface AnalyzeHandler needs: read
// access for the snapshot route, plus Root-task creation for the create
// route.
type analyzeTaskStore interface {
	TaskReader
	CreateTask(ctx context.Context, taskType domain.Type, sourceURL string, payload map[string]any) (*domain.Task, error)
}

// AnalyzeHandler implements the `/api/v1/video/analyze` endpoints of §6:
// create a Root task and start the pipeline, and read back its reconciled
// snapshot.
type AnalyzeHandler struct {
	tasks       analyzeTaskStore
	coordinator *pipeline.Coordinator
}

func NewAnalyzeHandler(tasks analyzeTaskStore, coordinator *pipeline.Coordinator) *AnalyzeHandler {
	return &AnalyzeHandler{tasks: tasks, coordinator: coordinator}
}

// Create handles POST /api/v1/video/analyze?url=<u>.
func (h *AnalyzeHandler) Create(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		response.RespondErr(c, apierr.Input("missing_url", errMissingURL))
		return
	}

	root, err := h.tasks.CreateTask(c.Request.Context(), domain.TypeRoot, url, map[string]any{"url": url})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if err := h.coordinator.StartRoot(c.Request.Context(), root.TaskID, url); err != nil {
		response.RespondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id": root.TaskID,
		"status":  domain.StatusPending,
		"message": "Pending",
	})
}

// Snapshot handles GET /api/v1/video/analyze/{id}.
func (h *AnalyzeHandler) Snapshot(c *gin.Context) {
	id, err := parseTaskID(c.Param("id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	reconciled, err := reconcileRoot(c.Request.Context(), h.tasks, id)
	if err != nil {
		if isNotFound(err) {
			response.RespondError(c, http.StatusNotFound, "task_not_found", err)
			return
		}
		response.RespondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":  id,
		"status":   reconciled.Status,
		"phase":    reconciled.Phase,
		"progress": reconciled.Progress,
		"message":  reconciled.Message,
		"error":    reconciled.Error,
	})
}
