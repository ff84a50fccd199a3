// Package tasks holds the durable Task/TaskEdge data model: the single
// source of truth the dispatcher, pipeline coordinator and HTTP tier all
// read and write through the Task Store repo.
package tasks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

type Type string

const (
	TypeRoot       Type = "Root"
	TypeDownload   Type = "Download"
	TypeTranscribe Type = "Transcribe"
	TypeEnrich     Type = "Enrich"
)

// Task is a durable unit of work. Mutated exclusively by its assigned stage
// worker and by the Coordinator on terminal transitions; never deleted by
// the core.
type Task struct {
	TaskID      uuid.UUID      `gorm:"column:task_id;primaryKey;type:uuid;default:gen_random_uuid()"`
	Status      Status         `gorm:"column:status;not null;index"`
	TaskType    Type           `gorm:"column:task_type;not null"`
	Progress    int            `gorm:"column:progress;not null;default:0"`
	Message     string         `gorm:"column:message"`
	Error       string         `gorm:"column:error"`
	OutputRef   string         `gorm:"column:output_ref"`
	SourceURL   string         `gorm:"column:source_url"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	QueuedAt    time.Time      `gorm:"column:queued_at;not null"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
}

func (Task) TableName() string { return "tasks" }

// EdgeKind enumerates the typed directed edges between tasks.
type EdgeKind string

// Edge kinds, as written by the Coordinator's state machine (§4.8): each
// stage name is a forward root->child edge_kind; "root" is the reverse
// child->parent edge_kind the Coordinator writes when it creates the
// Transcribe and Enrich children (the Download child has none).
const (
	EdgeDownload   EdgeKind = "download"
	EdgeTranscribe EdgeKind = "transcribe"
	EdgeEnrich     EdgeKind = "enrich"
	EdgeRoot       EdgeKind = "root"
)

// TaskEdge is a typed directed edge between two tasks. Unique on
// (FromTask, EdgeKind): writing the same pair twice is a no-op, writing a
// new ToTask for the same pair overwrites it (crash-recovery upsert).
type TaskEdge struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	FromTask  uuid.UUID `gorm:"column:from_task;type:uuid;not null;uniqueIndex:idx_task_edges_from_kind"`
	EdgeKind  EdgeKind  `gorm:"column:edge_kind;not null;uniqueIndex:idx_task_edges_from_kind"`
	ToTask    uuid.UUID `gorm:"column:to_task;type:uuid;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (TaskEdge) TableName() string { return "task_edges" }

// ValidTransition reports whether moving from `from` to `to` is legal.
// Pending->{Running,Failed,Cancelled}, Running->{Completed,Failed,Cancelled},
// no back-edges.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		// Completed, Failed, Cancelled are terminal: no further transition.
		return false
	}
}

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
