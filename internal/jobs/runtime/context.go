// Package runtime gives stage handlers a narrow capability object instead
// of direct access to the Task Store: Payload() to read typed input,
// Progress()/Fail()/Succeed() to report terminal or in-flight state. A
// handler never issues its own UPDATE against the tasks table.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/platform/ctxutil"
)

// TaskUpdater is the subset of the Task Store repo a handler's Context
// needs; satisfied by repos/tasks.Repo.
type TaskUpdater interface {
	Update(ctx context.Context, id uuid.UUID, fields map[string]any) (tasks.Status, error)
}

// Context is the sole surface pipeline stages use to read their work
// unit's payload and report progress, failure or success.
type Context struct {
	Ctx     context.Context
	Task    *tasks.Task
	Repo    TaskUpdater
	payload map[string]any
}

func NewContext(ctx context.Context, task *tasks.Task, repo TaskUpdater) (*Context, error) {
	c := &Context{Ctx: ctx, Task: task, Repo: repo}
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &c.payload); err != nil {
			return nil, fmt.Errorf("decode task payload: %w", err)
		}
	}
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		c.payload["_trace_id"] = td.TraceID
		c.payload["_request_id"] = td.RequestID
	}
	return c, nil
}

func (c *Context) Payload() map[string]any { return c.payload }

func (c *Context) PayloadString(key string) string {
	if v, ok := c.payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, error) {
	s := c.PayloadString(key)
	if s == "" {
		return uuid.Nil, fmt.Errorf("missing payload key %q", key)
	}
	return uuid.Parse(s)
}

// Progress reports in-flight progress for the current stage. pct is 0..100
// of this stage's own work, not the root's reconciled percentage.
func (c *Context) Progress(pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	fields := map[string]any{
		"status":   tasks.StatusRunning,
		"progress": pct,
		"message":  message,
	}
	_, err := c.Repo.Update(c.Ctx, c.Task.TaskID, fields)
	return err
}

// Fail records a terminal Failed transition with the given error string.
func (c *Context) Fail(stage, errMsg string) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"status":       tasks.StatusFailed,
		"error":        errMsg,
		"message":      fmt.Sprintf("%s: %s", stage, errMsg),
		"completed_at": now,
	}
	_, err := c.Repo.Update(c.Ctx, c.Task.TaskID, fields)
	return err
}

// Succeed records a terminal Completed transition, optionally setting
// output_ref.
func (c *Context) Succeed(message, outputRef string) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"status":       tasks.StatusCompleted,
		"progress":     100,
		"message":      message,
		"completed_at": now,
	}
	if outputRef != "" {
		fields["output_ref"] = outputRef
	}
	_, err := c.Repo.Update(c.Ctx, c.Task.TaskID, fields)
	return err
}
