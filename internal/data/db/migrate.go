package db

import (
	"gorm.io/gorm"

	"github.com/clipcaption/pipeline/internal/domain/tasks"
)

// AutoMigrateAll creates/updates every table the pipeline core owns.
func AutoMigrateAll(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		// =========================
		// Task Store
		// =========================
		&tasks.Task{},
		&tasks.TaskEdge{},

		// =========================
		// Queue / Dispatcher
		// =========================
		&tasks.WorkUnit{},
		&tasks.DeadLetterEntry{},
	)
}
