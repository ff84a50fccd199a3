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
)

// Enqueue inserts a new queued work unit for the given kind and task.
func (r *Repo) Enqueue(ctx context.Context, kind domain.WorkUnitKind, taskID uuid.UUID, payload map[string]any, maxAttempts int) (*domain.WorkUnit, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Input("invalid_payload", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := time.Now().UTC()
	wu := &domain.WorkUnit{
		ID:          uuid.New(),
		Kind:        kind,
		TaskID:      taskID,
		Payload:     datatypes.JSON(raw),
		Status:      domain.WorkUnitQueued,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(wu).Error; err != nil {
		return nil, apierr.Storage("enqueue_failed", err)
	}
	return wu, nil
}

// ClaimNext atomically claims the oldest available work unit of the given
// kind: queued-and-due, or failed-and-due-for-retry, or running-but-stale
// (heartbeat older than staleAfter — the visibility-timeout reclaim).
// Prefetch is 1: callers claim one row per call.
func (r *Repo) ClaimNext(ctx context.Context, kind domain.WorkUnitKind, staleAfter time.Duration) (*domain.WorkUnit, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)

	var claimed domain.WorkUnit
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wu domain.WorkUnit
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("kind = ?", kind).
			Where(
				tx.Session(&gorm.Session{NewDB: true}).
					Where("status = ? AND available_at <= ?", domain.WorkUnitQueued, now).
					Or("status = ? AND attempt < max_attempts AND available_at <= ?", domain.WorkUnitFailed, now).
					Or("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", domain.WorkUnitRunning, staleCutoff),
			).
			Order("created_at ASC").
			Limit(1)
		if err := q.First(&wu).Error; err != nil {
			return err
		}
		wu.Status = domain.WorkUnitRunning
		wu.Attempt++
		wu.LockedAt = &now
		wu.HeartbeatAt = &now
		wu.UpdatedAt = now
		if err := tx.Save(&wu).Error; err != nil {
			return err
		}
		claimed = wu
		return nil
	})
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Storage("claim_next_failed", err)
	}
	return &claimed, nil
}

func (r *Repo) Heartbeat(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&domain.WorkUnit{}).
		Where("id = ?", id).
		Updates(map[string]any{"heartbeat_at": now, "updated_at": now}).Error
	if err != nil {
		return apierr.Storage("heartbeat_failed", err)
	}
	return nil
}

func (r *Repo) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&domain.WorkUnit{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": domain.WorkUnitSucceeded, "updated_at": now}).Error
	if err != nil {
		return apierr.Storage("mark_succeeded_failed", err)
	}
	return nil
}

// MarkFailedRetry records a transient failure and schedules the next
// attempt at nextAvailableAt (exponential backoff with jitter, computed by
// the dispatcher).
func (r *Repo) MarkFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, nextAvailableAt time.Time) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&domain.WorkUnit{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.WorkUnitFailed,
			"last_error":   errMsg,
			"available_at": nextAvailableAt,
			"updated_at":   now,
		}).Error
	if err != nil {
		return apierr.Storage("mark_failed_retry_failed", err)
	}
	return nil
}

// MarkDeadLetter records terminal exhaustion: the work unit is marked
// failed with no further retry, and an append-only dead-letter entry is
// written in the same transaction.
func (r *Repo) MarkDeadLetter(ctx context.Context, wu *domain.WorkUnit, errMsg string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.WorkUnit{}).Where("id = ?", wu.ID).
			Updates(map[string]any{"status": domain.WorkUnitFailed, "last_error": errMsg, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("mark work unit failed: %w", err)
		}
		entry := &domain.DeadLetterEntry{
			Kind:      wu.Kind,
			TaskID:    wu.TaskID,
			Attempts:  wu.Attempt,
			LastError: errMsg,
			Payload:   wu.Payload,
			CreatedAt: now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("write dead letter entry: %w", err)
		}
		return nil
	})
}
