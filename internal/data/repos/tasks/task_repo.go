// Package tasks is the Task Store repo: durable persistence of task rows
// and task-relation edges, with atomic status/progress/output updates that
// enforce the transition rules of the data model at write time.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
	"github.com/clipcaption/pipeline/internal/platform/pointers"
)

type Repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) *Repo {
	return &Repo{db: db, log: baseLog.With("repo", "tasks.Repo")}
}

// CreateTask inserts a new task row. sourceURL is only meaningful for
// TypeRoot; payload is marshaled to the JSON payload column.
func (r *Repo) CreateTask(ctx context.Context, taskType domain.Type, sourceURL string, payload map[string]any) (*domain.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Input("invalid_payload", err)
	}
	t := &domain.Task{
		TaskID:    uuid.New(),
		Status:    domain.StatusPending,
		TaskType:  taskType,
		Progress:  0,
		SourceURL: sourceURL,
		Payload:   datatypes.JSON(raw),
		QueuedAt:  time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, apierr.Storage("create_task_failed", err)
	}
	return t, nil
}

func (r *Repo) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	if err := r.db.WithContext(ctx).Where("task_id = ?", id).First(&t).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.Input("task_not_found", err)
		}
		return nil, apierr.Storage("get_task_failed", err)
	}
	return &t, nil
}

// Update atomically applies fields to a task row, enforcing the status
// transition rules (§3) inside the same transaction as the read. Returns
// the task's previous status so callers can make idempotency decisions
// (e.g. "edge/child already exists" on a re-run of a completed handler).
func (r *Repo) Update(ctx context.Context, id uuid.UUID, fields map[string]any) (domain.Status, error) {
	var prev domain.Status
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur domain.Task
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ?", id).First(&cur).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apierr.Input("task_not_found", err)
			}
			return apierr.Storage("get_task_failed", err)
		}
		prev = cur.Status

		if rawStatus, ok := fields["status"]; ok {
			next, ok := rawStatus.(domain.Status)
			if !ok {
				return apierr.Input("invalid_status_value", fmt.Errorf("status is not a tasks.Status"))
			}
			if !domain.ValidTransition(cur.Status, next) {
				return apierr.Policy("illegal_status_transition", fmt.Errorf("cannot move %s -> %s", cur.Status, next))
			}
			if cur.Status == domain.StatusPending && next == domain.StatusRunning {
				if _, ok := fields["started_at"]; !ok {
					fields["started_at"] = pointers.Ptr(time.Now().UTC())
				}
			}
		}
		if msg, ok := fields["message"]; ok {
			if s, ok := msg.(string); !ok || s == "" {
				delete(fields, "message")
			}
		}
		if err := tx.Model(&domain.Task{}).Where("task_id = ?", id).Updates(fields).Error; err != nil {
			return apierr.Storage("update_task_failed", err)
		}
		return nil
	})
	if err != nil {
		return prev, err
	}
	return prev, nil
}

// SetEdge upserts (from, kind) -> to. Writing the same triple twice is a
// no-op; writing a new `to` for the same (from, kind) overwrites it.
func (r *Repo) SetEdge(ctx context.Context, from uuid.UUID, kind domain.EdgeKind, to uuid.UUID) error {
	e := &domain.TaskEdge{
		FromTask:  from,
		EdgeKind:  kind,
		ToTask:    to,
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_task"}, {Name: "edge_kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"to_task"}),
	}).Create(e).Error
	if err != nil {
		return apierr.Storage("set_edge_failed", err)
	}
	return nil
}

// GetEdge returns the target of (from, kind), or nil if no such edge
// exists.
func (r *Repo) GetEdge(ctx context.Context, from uuid.UUID, kind domain.EdgeKind) (*uuid.UUID, error) {
	var e domain.TaskEdge
	err := r.db.WithContext(ctx).Where("from_task = ? AND edge_kind = ?", from, kind).First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Storage("get_edge_failed", err)
	}
	return &e.ToTask, nil
}

// GetEdgesByKind is the reverse lookup: every `from` task with edge_kind
// `kind` pointing at `to`.
func (r *Repo) GetEdgesByKind(ctx context.Context, kind domain.EdgeKind, to uuid.UUID) ([]uuid.UUID, error) {
	var edges []domain.TaskEdge
	if err := r.db.WithContext(ctx).Where("edge_kind = ? AND to_task = ?", kind, to).Find(&edges).Error; err != nil {
		return nil, apierr.Storage("get_edges_by_kind_failed", err)
	}
	out := make([]uuid.UUID, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.FromTask)
	}
	return out, nil
}

// Children returns, for a root task, the direct child task ids keyed by
// edge kind (download/transcribe/enrich), as used by the Progress
// Reconciler. A stage whose child hasn't been created yet is simply
// absent from the map.
func (r *Repo) Children(ctx context.Context, root uuid.UUID) (map[domain.EdgeKind]uuid.UUID, error) {
	out := map[domain.EdgeKind]uuid.UUID{}
	for _, kind := range []domain.EdgeKind{domain.EdgeDownload, domain.EdgeTranscribe, domain.EdgeEnrich} {
		to, err := r.GetEdge(ctx, root, kind)
		if err != nil {
			return nil, err
		}
		if to != nil {
			out[kind] = *to
		}
	}
	return out, nil
}
