package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipcaption/pipeline/internal/domain/subtitle"
	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/http/response"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
)

// BlobGetter is the Blob Store surface ContentHandler needs: read-only
// access to the finished artifact object.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ContentHandler implements GET /api/v1/subtitle/{id}/content (§6): resolve
// a Root task's Enrich child, and once it has succeeded, return the parsed
// JSON artifact it wrote to the Blob Store.
type ContentHandler struct {
	tasks TaskReader
	blobs BlobGetter
}

func NewContentHandler(tasks TaskReader, blobs BlobGetter) *ContentHandler {
	return &ContentHandler{tasks: tasks, blobs: blobs}
}

func (h *ContentHandler) Content(c *gin.Context) {
	id, err := parseTaskID(c.Param("id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	ctx := c.Request.Context()

	if _, err := h.tasks.GetTask(ctx, id); err != nil {
		if isNotFound(err) {
			response.RespondError(c, http.StatusNotFound, "task_not_found", err)
			return
		}
		response.RespondErr(c, err)
		return
	}

	children, err := loadChildren(ctx, h.tasks, id)
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	if children.Enrich == nil {
		c.JSON(http.StatusOK, gin.H{"task_id": id, "content": []subtitle.ArtifactSegment{}})
		return
	}
	if children.Enrich.Status == domain.StatusFailed {
		response.RespondError(c, http.StatusBadRequest, "enrich_failed", errEnrichFailed(children.Enrich.Error))
		return
	}
	if children.Enrich.Status != domain.StatusCompleted || children.Enrich.OutputRef == "" {
		c.JSON(http.StatusOK, gin.H{"task_id": id, "content": []subtitle.ArtifactSegment{}})
		return
	}

	raw, err := h.blobs.Get(ctx, children.Enrich.OutputRef)
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	var content []subtitle.ArtifactSegment
	if err := json.Unmarshal(raw, &content); err != nil {
		response.RespondErr(c, apierr.Storage("invalid_artifact", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": id, "content": content})
}

type enrichFailedError struct{ reason string }

func (e enrichFailedError) Error() string {
	if e.reason == "" {
		return "enrichment failed"
	}
	return e.reason
}

func errEnrichFailed(reason string) error { return enrichFailedError{reason: reason} }
