// Package repository defines the narrow port the engine uses to mirror task
// state into the relational store.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/camdev/cam/internal/task/models"
)

// ErrForeignKey is returned by InsertLogLines when the referenced task row
// no longer exists. Callers discard the buffered lines on this error.
var ErrForeignKey = errors.New("foreign key violation")

// TaskRepository is the durable mirror for task rows and log lines. Status
// transitions are conditional: a precondition miss affects zero rows and is
// not an error.
type TaskRepository interface {
	// InsertTask persists a fresh task row, assigning id and timestamps
	// when unset.
	InsertTask(ctx context.Context, task *models.Task) error

	// InsertTasksTx persists all rows in a single transaction; on any
	// failure none are kept.
	InsertTasksTx(ctx context.Context, tasks []*models.Task) error

	// PromoteToRunning transitions the row to running if its current
	// status is one of from, returning the number of rows affected.
	PromoteToRunning(ctx context.Context, taskID string, from []models.Status) (int64, error)

	// UpdateStatusConditional transitions the row to the given status if
	// its current status is one of allowed, stamping completedAt when
	// non-nil. Returns the number of rows affected.
	UpdateStatusConditional(ctx context.Context, taskID string, to models.Status, allowed []models.Status, completedAt *time.Time) (int64, error)

	// TaskExists reports whether the row is present.
	TaskExists(ctx context.Context, taskID string) (bool, error)

	// GetTask fetches a row by id.
	GetTask(ctx context.Context, taskID string) (*models.Task, error)

	// InsertLogLines appends a batch of log lines. A referential violation
	// is reported as ErrForeignKey.
	InsertLogLines(ctx context.Context, lines []*models.TaskLogLine) error
}
