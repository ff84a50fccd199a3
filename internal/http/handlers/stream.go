package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/http/response"
)

const streamPollInterval = 1 * time.Second

// StreamHandler implements the SSE status stream of §4.10: a snapshot is
// emitted immediately on connect, the root task is then polled every
// second, and a new event is written only when (status, progress) changes.
// The stream ends once the root reaches a terminal status or the client
// disconnects.
type StreamHandler struct {
	tasks TaskReader
}

func NewStreamHandler(tasks TaskReader) *StreamHandler {
	return &StreamHandler{tasks: tasks}
}

type streamEvent struct {
	TaskID   string        `json:"task_id"`
	Status   domain.Status `json:"status"`
	Phase    string        `json:"phase"`
	Progress int           `json:"progress"`
	Message  string        `json:"message"`
	Error    string        `json:"error,omitempty"`
}

// Stream handles GET /api/v1/video/analyze/{id}/stream.
func (h *StreamHandler) Stream(c *gin.Context) {
	id, err := parseTaskID(c.Param("id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	ctx := c.Request.Context()

	reconciled, err := reconcileRoot(ctx, h.tasks, id)
	if err != nil {
		if isNotFound(err) {
			response.RespondError(c, http.StatusNotFound, "task_not_found", err)
			return
		}
		response.RespondErr(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	lastStatus := reconciled.Status
	lastProgress := -1

	emit := func(taskID string, status domain.Status, phase string, progress int, message, errMsg string) bool {
		ev := streamEvent{
			TaskID:   taskID,
			Status:   status,
			Phase:    phase,
			Progress: progress,
			Message:  message,
			Error:    errMsg,
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", raw); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !emit(id.String(), reconciled.Status, string(reconciled.Phase), reconciled.Progress, reconciled.Message, reconciled.Error) {
		return
	}
	lastProgress = reconciled.Progress

	if domain.IsTerminal(reconciled.Status) {
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconciled, err := reconcileRoot(ctx, h.tasks, id)
			if err != nil {
				return
			}
			if reconciled.Status == lastStatus && reconciled.Progress == lastProgress {
				continue
			}
			lastStatus = reconciled.Status
			lastProgress = reconciled.Progress
			if !emit(id.String(), reconciled.Status, string(reconciled.Phase), reconciled.Progress, reconciled.Message, reconciled.Error) {
				return
			}
			if domain.IsTerminal(reconciled.Status) {
				return
			}
		}
	}
}
