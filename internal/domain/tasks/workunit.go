package tasks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkUnitKind names a queue/topic. Workers subscribe to a kind and lease
// only work units of that kind.
type WorkUnitKind string

const (
	WorkUnitDownload   WorkUnitKind = "download"
	WorkUnitTranscribe WorkUnitKind = "transcribe"
	WorkUnitEnrich     WorkUnitKind = "enrich"
	WorkUnitDefault    WorkUnitKind = "default"
)

type WorkUnitStatus string

const (
	WorkUnitQueued    WorkUnitStatus = "queued"
	WorkUnitRunning   WorkUnitStatus = "running"
	WorkUnitSucceeded WorkUnitStatus = "succeeded"
	WorkUnitFailed    WorkUnitStatus = "failed"
)

// WorkUnit is the durable row backing a queue message: the dispatcher
// leases it with SELECT ... FOR UPDATE SKIP LOCKED, the assigned stage
// worker runs it to a terminal status, and the dispatcher applies
// retry/backoff or moves it to the dead-letter log on exhaustion.
type WorkUnit struct {
	ID          uuid.UUID      `gorm:"column:id;primaryKey;type:uuid;default:gen_random_uuid()"`
	Kind        WorkUnitKind   `gorm:"column:kind;not null;index"`
	TaskID      uuid.UUID      `gorm:"column:task_id;type:uuid;not null;index"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	Status      WorkUnitStatus `gorm:"column:status;not null;index"`
	Attempt     int            `gorm:"column:attempt;not null;default:0"`
	MaxAttempts int            `gorm:"column:max_attempts;not null;default:3"`
	AvailableAt time.Time      `gorm:"column:available_at;not null"`
	LockedAt    *time.Time     `gorm:"column:locked_at"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at"`
	LastError   string         `gorm:"column:last_error"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null"`
}

func (WorkUnit) TableName() string { return "work_units" }

// DeadLetterEntry is an append-only record of a work unit whose retries
// exhausted, kept for operational triage; the associated task transitions
// to Failed with a fixed "retries exhausted" error at the same time.
type DeadLetterEntry struct {
	ID        uint           `gorm:"column:id;primaryKey;autoIncrement"`
	Kind      WorkUnitKind   `gorm:"column:kind;not null"`
	TaskID    uuid.UUID      `gorm:"column:task_id;type:uuid;not null;index"`
	Attempts  int            `gorm:"column:attempts;not null"`
	LastError string         `gorm:"column:last_error"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt time.Time      `gorm:"column:created_at;not null"`
}

func (DeadLetterEntry) TableName() string { return "dead_letter_entries" }
