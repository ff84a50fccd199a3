// Package dispatch is the Queue/Dispatcher: per-kind worker pools that lease
// work units with a visibility timeout, invoke the registered stage handler,
// and apply retry/backoff or dead-letter on exhaustion. A work unit is never
// queued behind a crashed worker's buffer — prefetch is 1, enforced simply by
// each pool goroutine claiming one row at a time.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/jobs/runtime"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/httpx"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// WorkUnitStore is the subset of the Task Store's work-unit repo the
// dispatcher needs.
type WorkUnitStore interface {
	ClaimNext(ctx context.Context, kind domain.WorkUnitKind, staleAfter time.Duration) (*domain.WorkUnit, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	MarkFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, nextAvailableAt time.Time) error
	MarkDeadLetter(ctx context.Context, wu *domain.WorkUnit, errMsg string) error
}

// TaskStore is the subset of the Task Store's task repo the dispatcher and
// the runtime.Context it builds for each handler invocation need.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, id uuid.UUID, fields map[string]any) (domain.Status, error)
}

const (
	// HardTimeLimit is the per-work-unit ceiling; exceeding it is a failure.
	HardTimeLimit = 1 * time.Hour
	// SoftTimeLimit is advisory: exceeding it only logs a warning.
	SoftTimeLimit = 55 * time.Minute

	heartbeatInterval = 15 * time.Second
	// VisibilityTimeout is how long a running work unit may go without a
	// heartbeat before a second worker is allowed to reclaim it.
	VisibilityTimeout = 3 * time.Minute

	maxBackoff = 10 * time.Minute

	deadLetterMessage = "retries exhausted"
)

// PoolConfig names the worker count for one work-unit kind.
type PoolConfig struct {
	Kind    domain.WorkUnitKind
	Workers int
}

type Dispatcher struct {
	log      *logger.Logger
	registry *runtime.Registry
	wus      WorkUnitStore
	tasks    TaskStore
	pollIdle time.Duration
}

func New(log *logger.Logger, registry *runtime.Registry, wus WorkUnitStore, tasks TaskStore) *Dispatcher {
	return &Dispatcher{
		log:      log.With("service", "dispatch.Dispatcher"),
		registry: registry,
		wus:      wus,
		tasks:    tasks,
		pollIdle: 2 * time.Second,
	}
}

// Run launches the configured worker pools and blocks until ctx is
// cancelled, then waits for in-flight work units to finish their current
// iteration before returning.
func (d *Dispatcher) Run(ctx context.Context, pools []PoolConfig) error {
	done := make(chan struct{})
	var active int
	for _, p := range pools {
		if p.Workers <= 0 {
			p.Workers = 1
		}
		for i := 0; i < p.Workers; i++ {
			active++
			go func(kind domain.WorkUnitKind, worker int) {
				defer func() { done <- struct{}{} }()
				d.poolLoop(ctx, kind, worker)
			}(p.Kind, i)
		}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	return nil
}

func (d *Dispatcher) poolLoop(ctx context.Context, kind domain.WorkUnitKind, worker int) {
	log := d.log.With("kind", string(kind), "worker", worker)
	log.Info("worker pool started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker pool stopping")
			return
		default:
		}

		wu, err := d.wus.ClaimNext(ctx, kind, VisibilityTimeout)
		if err != nil {
			log.Error("claim failed", "error", err.Error())
			sleepOrDone(ctx, d.pollIdle)
			continue
		}
		if wu == nil {
			sleepOrDone(ctx, d.pollIdle)
			continue
		}

		d.execute(ctx, wu, log)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// execute runs one claimed work unit to a terminal disposition: ack on
// success, retry-with-backoff on a transient error, or dead-letter plus a
// Failed task transition once attempts are exhausted.
func (d *Dispatcher) execute(parent context.Context, wu *domain.WorkUnit, log *logger.Logger) {
	log = log.With("work_unit_id", wu.ID.String(), "attempt", wu.Attempt)

	hbCtx, stopHeartbeat := context.WithCancel(parent)
	go d.heartbeatLoop(hbCtx, wu.ID, log)
	defer stopHeartbeat()

	hardCtx, cancelHard := context.WithTimeout(parent, HardTimeLimit)
	defer cancelHard()
	softTimer := time.AfterFunc(SoftTimeLimit, func() {
		log.Warn("work unit exceeded soft time limit", "soft_limit", SoftTimeLimit.String())
	})
	defer softTimer.Stop()

	runErr := d.run(hardCtx, wu)

	if runErr == nil {
		if err := d.wus.MarkSucceeded(parent, wu.ID); err != nil {
			log.Error("mark succeeded failed", "error", err.Error())
		}
		return
	}

	if hardCtx.Err() != nil && parent.Err() == nil {
		runErr = apierr.Timeout("hard_time_limit_exceeded", runErr)
	}

	log.Warn("work unit failed", "error", runErr.Error())
	d.disposeFailure(parent, wu, runErr, log)
}

func (d *Dispatcher) run(ctx context.Context, wu *domain.WorkUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierr.Upstream("handler_panic", fmt.Errorf("%v", r))
		}
	}()

	handler, ok := d.registry.Get(string(wu.Kind))
	if !ok {
		return apierr.Policy("no_handler_registered", fmt.Errorf("kind=%s", wu.Kind))
	}

	task, err := d.tasks.GetTask(ctx, wu.TaskID)
	if err != nil {
		return err
	}

	rc, err := runtime.NewContext(ctx, task, d.tasks)
	if err != nil {
		return apierr.Input("invalid_task_payload", err)
	}

	return handler.Run(rc)
}

// disposeFailure classifies the error. A transient error (Upstream/Storage)
// with attempts remaining is retried with backoff. Attempt exhaustion on a
// transient error, or any terminal (Input/Policy/Timeout) error, ends the
// work unit: it is dead-lettered for operational visibility and the task is
// failed. The fixed "retries exhausted" wording is used only for genuine
// attempt exhaustion; a terminal error keeps its own message, since the
// handler's own apierr classification is more specific than the queue's.
func (d *Dispatcher) disposeFailure(ctx context.Context, wu *domain.WorkUnit, runErr error, log *logger.Logger) {
	if apierr.Transient(runErr) && wu.Attempt < wu.MaxAttempts {
		backoff := computeBackoff(wu.Attempt)
		next := time.Now().UTC().Add(backoff)
		if err := d.wus.MarkFailedRetry(ctx, wu.ID, runErr.Error(), next); err != nil {
			log.Error("mark failed retry failed", "error", err.Error())
		}
		log.Info("work unit scheduled for retry", "backoff", backoff.String(), "next_available_at", next.Format(time.RFC3339))
		return
	}

	taskMsg := runErr.Error()
	if apierr.Transient(runErr) {
		// exhausted its retries rather than failing outright
		taskMsg = deadLetterMessage
	}

	if err := d.wus.MarkDeadLetter(ctx, wu, runErr.Error()); err != nil {
		log.Error("mark dead letter failed", "error", err.Error())
	}
	// Update is idempotent against a handler that already recorded this
	// same Failed transition via runtime.Context.Fail before returning.
	if _, err := d.tasks.Update(ctx, wu.TaskID, map[string]any{
		"status":       domain.StatusFailed,
		"error":        taskMsg,
		"message":      taskMsg,
		"completed_at": time.Now().UTC(),
	}); err != nil {
		log.Error("fail task on dead letter failed", "error", err.Error())
	}
}

// computeBackoff is exponential with jitter, capped at maxBackoff: 750ms,
// 1.5s, 3s, ... matching the backoff shape the ASR and LLM clients already
// use for their own HTTP retries.
func computeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := 750 * time.Millisecond * time.Duration(math.Pow(2, float64(attempt-1)))
	if base > maxBackoff {
		base = maxBackoff
	}
	return httpx.JitterSleep(base)
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, id uuid.UUID, log *logger.Logger) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.wus.Heartbeat(context.Background(), id); err != nil {
				log.Warn("heartbeat failed", "error", err.Error())
			}
		}
	}
}
