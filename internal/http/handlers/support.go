package handlers

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/pipeline"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
)

// TaskReader is the subset of the Task Store the HTTP tier needs for reads:
// no handler ever writes a task row directly.
type TaskReader interface {
	GetTask(ctx context.Context, id uuid.UUID) (*tasks.Task, error)
	Children(ctx context.Context, root uuid.UUID) (map[tasks.EdgeKind]uuid.UUID, error)
}

// loadChildren resolves a root's direct children into the pipeline package's
// Children struct, fetching each present edge's target task.
func loadChildren(ctx context.Context, tr TaskReader, rootID uuid.UUID) (pipeline.Children, error) {
	edges, err := tr.Children(ctx, rootID)
	if err != nil {
		return pipeline.Children{}, err
	}
	var out pipeline.Children
	if id, ok := edges[tasks.EdgeDownload]; ok {
		t, err := tr.GetTask(ctx, id)
		if err != nil {
			return pipeline.Children{}, err
		}
		out.Download = t
	}
	if id, ok := edges[tasks.EdgeTranscribe]; ok {
		t, err := tr.GetTask(ctx, id)
		if err != nil {
			return pipeline.Children{}, err
		}
		out.Transcribe = t
	}
	if id, ok := edges[tasks.EdgeEnrich]; ok {
		t, err := tr.GetTask(ctx, id)
		if err != nil {
			return pipeline.Children{}, err
		}
		out.Enrich = t
	}
	return out, nil
}

// reconcileRoot fetches a root task plus its children and folds them into a
// Reconciled view.
func reconcileRoot(ctx context.Context, tr TaskReader, rootID uuid.UUID) (pipeline.Reconciled, error) {
	root, err := tr.GetTask(ctx, rootID)
	if err != nil {
		return pipeline.Reconciled{}, err
	}
	children, err := loadChildren(ctx, tr, rootID)
	if err != nil {
		return pipeline.Reconciled{}, err
	}
	return pipeline.Reconcile(root, children), nil
}

// isNotFound reports whether err is the Task Store's "no such task" error.
func isNotFound(err error) bool {
	var apiErr *apierr.Error
	return errors.As(err, &apiErr) && apiErr.Code == "task_not_found"
}

func parseTaskID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.Input("invalid_task_id", err)
	}
	return id, nil
}
