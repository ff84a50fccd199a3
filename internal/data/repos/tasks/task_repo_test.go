package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// newMockRepo wires the Task Store repo to a sqlmock-backed *sql.DB through
// the real postgres dialector, so Update's lock-then-validate-then-write
// transaction runs its actual GORM-generated SQL against expectations
// instead of a fake in-memory double.
func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	log, err := logger.New("development")
	require.NoError(t, err)
	return NewRepo(gdb, log), mock
}

func taskRow(id uuid.UUID, status domain.Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"task_id", "status", "task_type", "progress", "message", "error",
		"output_ref", "source_url", "payload", "queued_at", "started_at", "completed_at",
	}).AddRow(id, string(status), "Root", 0, "", "", "", "https://example.com/a.mp4", nil, time.Now().UTC(), nil, nil)
}

func TestUpdatePendingToRunningStampsStartedAt(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "tasks" WHERE task_id = \$1 .* FOR UPDATE`).
		WillReturnRows(taskRow(id, domain.StatusPending))
	mock.ExpectExec(`UPDATE "tasks" SET .* WHERE task_id = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fields := map[string]any{"status": domain.StatusRunning}
	prev, err := repo.Update(context.Background(), id, fields)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, prev)

	_, hasStartedAt := fields["started_at"]
	require.True(t, hasStartedAt, "transitioning Pending->Running must stamp started_at when the caller didn't supply one")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectsIllegalTransitionAndRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "tasks" WHERE task_id = \$1 .* FOR UPDATE`).
		WillReturnRows(taskRow(id, domain.StatusCompleted))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), id, map[string]any{"status": domain.StatusRunning})
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "illegal_status_transition", apiErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskNotFoundRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "tasks" WHERE task_id = \$1 .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"task_id", "status"}))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), id, map[string]any{"status": domain.StatusRunning})
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "task_not_found", apiErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
