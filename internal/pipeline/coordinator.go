package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

const defaultMaxAttempts = 3

// TaskStore is the subset of the Task Store the Coordinator needs: task
// creation/update plus edge upsert/lookup.
type TaskStore interface {
	CreateTask(ctx context.Context, taskType domain.Type, sourceURL string, payload map[string]any) (*domain.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, id uuid.UUID, fields map[string]any) (domain.Status, error)
	SetEdge(ctx context.Context, from uuid.UUID, kind domain.EdgeKind, to uuid.UUID) error
	GetEdge(ctx context.Context, from uuid.UUID, kind domain.EdgeKind) (*uuid.UUID, error)
	Children(ctx context.Context, root uuid.UUID) (map[domain.EdgeKind]uuid.UUID, error)
}

// WorkQueue is the subset of the Queue/Dispatcher's store the Coordinator
// needs to hand off the next stage's work unit.
type WorkQueue interface {
	Enqueue(ctx context.Context, kind domain.WorkUnitKind, taskID uuid.UUID, payload map[string]any, maxAttempts int) (*domain.WorkUnit, error)
}

// Coordinator builds the Download->Transcribe->Enrich dependency graph one
// edge at a time. Chaining is triggered by the completing stage worker
// itself (§4.8) — there is no background reaper — so every Advance* method
// must tolerate being called twice for the same transition: if the edge is
// already set, the child already exists and was already enqueued, and the
// call is a no-op.
type Coordinator struct {
	log   *logger.Logger
	tasks TaskStore
	queue WorkQueue
}

func NewCoordinator(log *logger.Logger, tasks TaskStore, queue WorkQueue) *Coordinator {
	return &Coordinator{log: log.With("service", "pipeline.Coordinator"), tasks: tasks, queue: queue}
}

// StartRoot creates the Download child for a freshly created Root task,
// binds edge(Root, download, D), and enqueues Download(D). Root[Pending]
// in the state machine of §4.8.
func (c *Coordinator) StartRoot(ctx context.Context, rootID uuid.UUID, sourceURL string) error {
	existing, err := c.tasks.GetEdge(ctx, rootID, domain.EdgeDownload)
	if err != nil {
		return err
	}
	if existing != nil {
		c.log.Info("download child already exists, skipping", "root_task_id", rootID.String())
		return nil
	}

	child, err := c.tasks.CreateTask(ctx, domain.TypeDownload, "", map[string]any{
		"url":          sourceURL,
		"root_task_id": rootID.String(),
	})
	if err != nil {
		return err
	}
	if err := c.tasks.SetEdge(ctx, rootID, domain.EdgeDownload, child.TaskID); err != nil {
		return err
	}
	_, err = c.queue.Enqueue(ctx, domain.WorkUnitDownload, child.TaskID, map[string]any{
		"url":          sourceURL,
		"root_task_id": rootID.String(),
	}, defaultMaxAttempts)
	return err
}

// AdvanceAfterDownload implements Download[Completed] -> create Transcribe
// child T, edge(Root,transcribe,T), edge(T,root,Root), enqueue Transcribe(T).
func (c *Coordinator) AdvanceAfterDownload(ctx context.Context, rootID, downloadTaskID uuid.UUID, audioRef string) error {
	existing, err := c.tasks.GetEdge(ctx, rootID, domain.EdgeTranscribe)
	if err != nil {
		return err
	}
	if existing != nil {
		c.log.Info("transcribe child already exists, skipping", "root_task_id", rootID.String())
		return nil
	}

	payload := map[string]any{
		"audio_ref":    audioRef,
		"root_task_id": rootID.String(),
	}
	child, err := c.tasks.CreateTask(ctx, domain.TypeTranscribe, "", payload)
	if err != nil {
		return err
	}
	if err := c.tasks.SetEdge(ctx, rootID, domain.EdgeTranscribe, child.TaskID); err != nil {
		return err
	}
	if err := c.tasks.SetEdge(ctx, child.TaskID, domain.EdgeRoot, rootID); err != nil {
		return err
	}
	_, err = c.queue.Enqueue(ctx, domain.WorkUnitTranscribe, child.TaskID, payload, defaultMaxAttempts)
	return err
}

// AdvanceAfterTranscribe implements Transcribe[Completed] -> create Enrich
// child E, edge(Root,enrich,E), edge(E,root,Root), enqueue Enrich(E).
func (c *Coordinator) AdvanceAfterTranscribe(ctx context.Context, rootID, transcribeTaskID uuid.UUID, segmentsRef string) error {
	existing, err := c.tasks.GetEdge(ctx, rootID, domain.EdgeEnrich)
	if err != nil {
		return err
	}
	if existing != nil {
		c.log.Info("enrich child already exists, skipping", "root_task_id", rootID.String())
		return nil
	}

	payload := map[string]any{
		"segments_ref": segmentsRef,
		"root_task_id": rootID.String(),
	}
	child, err := c.tasks.CreateTask(ctx, domain.TypeEnrich, "", payload)
	if err != nil {
		return err
	}
	if err := c.tasks.SetEdge(ctx, rootID, domain.EdgeEnrich, child.TaskID); err != nil {
		return err
	}
	if err := c.tasks.SetEdge(ctx, child.TaskID, domain.EdgeRoot, rootID); err != nil {
		return err
	}
	_, err = c.queue.Enqueue(ctx, domain.WorkUnitEnrich, child.TaskID, payload, defaultMaxAttempts)
	return err
}

// AdvanceAfterEnrich implements Enrich[Completed] -> Root.status =
// Completed, output_ref = E.output_ref. Tolerates being called again after
// Root is already Completed.
func (c *Coordinator) AdvanceAfterEnrich(ctx context.Context, rootID uuid.UUID, outputRef string) error {
	root, err := c.tasks.GetTask(ctx, rootID)
	if err != nil {
		return err
	}
	if root.Status == domain.StatusCompleted {
		return nil
	}
	now := time.Now().UTC()
	_, err = c.tasks.Update(ctx, rootID, map[string]any{
		"status":       domain.StatusCompleted,
		"progress":     100,
		"message":      "Completed",
		"output_ref":   outputRef,
		"completed_at": now,
	})
	return err
}

// PropagateFailure implements Any[Failed] -> propagate Failed to Root with
// the child's error (§4.8). Idempotent: a Root already Failed is left
// alone.
func (c *Coordinator) PropagateFailure(ctx context.Context, rootID uuid.UUID, phase, errMsg string) error {
	root, err := c.tasks.GetTask(ctx, rootID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(root.Status) {
		return nil
	}
	now := time.Now().UTC()
	_, err = c.tasks.Update(ctx, rootID, map[string]any{
		"status":       domain.StatusFailed,
		"error":        errMsg,
		"message":      fmt.Sprintf("%s: %s", phase, errMsg),
		"completed_at": now,
	})
	return err
}

// RootTaskID extracts the "root_task_id" payload field any non-root stage
// task carries, returning a terminal Input error if it is missing or
// malformed — a handler cannot chain without knowing its root.
func RootTaskID(payload map[string]any) (uuid.UUID, error) {
	v, ok := payload["root_task_id"]
	if !ok {
		return uuid.Nil, apierr.Input("missing_root_task_id", fmt.Errorf("payload has no root_task_id"))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return uuid.Nil, apierr.Input("invalid_root_task_id", fmt.Errorf("root_task_id is not a string"))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apierr.Input("invalid_root_task_id", err)
	}
	return id, nil
}
