package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/camdev/cam/internal/common/tracing"
	"github.com/camdev/cam/internal/task/models"
	"github.com/camdev/cam/internal/task/repository"
)

const insertTaskSQL = `
	INSERT INTO tasks (id, user_id, title, description, agent_id, repo_url, work_dir, work_branch,
		status, source, group_id, retries, exit_code, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func insertArgs(task *models.Task) []any {
	return []any{
		task.ID, task.UserID, task.Title, task.Description, task.AgentID, task.RepoURL,
		task.WorkDir, task.WorkBranch, task.Status, task.Source, task.GroupID,
		task.Retries, task.ExitCode, task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	}
}

func stampNew(task *models.Task, now time.Time) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.CreatedAt = now
	task.UpdatedAt = now
}

// InsertTask persists a fresh task row.
func (r *Repository) InsertTask(ctx context.Context, task *models.Task) error {
	stampNew(task, time.Now().UTC())
	_, err := r.db.ExecContext(ctx, r.db.Rebind(insertTaskSQL), insertArgs(task)...)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// InsertTasksTx persists all rows in one transaction; none survive a failure.
func (r *Repository) InsertTasksTx(ctx context.Context, tasks []*models.Task) error {
	now := time.Now().UTC()
	return r.WithTx(func(tx *sqlx.Tx) error {
		for _, task := range tasks {
			stampNew(task, now)
			if _, err := tx.ExecContext(ctx, tx.Rebind(insertTaskSQL), insertArgs(task)...); err != nil {
				return fmt.Errorf("insert task %s: %w", task.ID, err)
			}
		}
		return nil
	})
}

// PromoteToRunning conditionally transitions the row to running.
func (r *Repository) PromoteToRunning(ctx context.Context, taskID string, from []models.Status) (int64, error) {
	return r.UpdateStatusConditional(ctx, taskID, models.StatusRunning, from, nil)
}

// UpdateStatusConditional transitions the row to the given status iff its
// current status is in allowed. A precondition miss affects zero rows.
func (r *Repository) UpdateStatusConditional(ctx context.Context, taskID string, to models.Status, allowed []models.Status, completedAt *time.Time) (int64, error) {
	if len(allowed) == 0 {
		return 0, fmt.Errorf("update task %s: no allowed statuses", taskID)
	}
	query, args, err := sqlx.In(`
		UPDATE tasks SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status IN (?)
	`, to, time.Now().UTC(), completedAt, taskID, allowed)
	if err != nil {
		return 0, fmt.Errorf("update task %s: %w", taskID, err)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("update task %s: %w", taskID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return rows, nil
}

// SetExitCode records the child's exit code on the row.
func (r *Repository) SetExitCode(ctx context.Context, taskID string, exitCode int) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET exit_code = ?, updated_at = ? WHERE id = ?
	`), exitCode, time.Now().UTC(), taskID)
	return err
}

// TaskExists reports whether the row is present.
func (r *Repository) TaskExists(ctx context.Context, taskID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT 1 FROM tasks WHERE id = ?`), taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetTask fetches a row by id.
func (r *Repository) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	ctx, span := tracing.Tracer("cam-db").Start(ctx, "db.GetTask")
	defer span.End()

	task := &models.Task{}
	err := r.db.GetContext(ctx, task, r.db.Rebind(`
		SELECT id, user_id, title, description, agent_id, repo_url, work_dir, work_branch,
			status, source, group_id, retries, exit_code, created_at, updated_at, completed_at
		FROM tasks WHERE id = ?
	`), taskID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasksByGroup returns the rows of one pipeline, oldest first.
func (r *Repository) ListTasksByGroup(ctx context.Context, groupID string) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("cam-db").Start(ctx, "db.ListTasksByGroup")
	defer span.End()

	var tasks []*models.Task
	err := r.db.SelectContext(ctx, &tasks, r.db.Rebind(`
		SELECT id, user_id, title, description, agent_id, repo_url, work_dir, work_branch,
			status, source, group_id, retries, exit_code, created_at, updated_at, completed_at
		FROM tasks WHERE group_id = ? ORDER BY created_at
	`), groupID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// InsertLogLines appends a batch of log lines in insertion order. A missing
// task row surfaces as repository.ErrForeignKey so callers can discard.
func (r *Repository) InsertLogLines(ctx context.Context, lines []*models.TaskLogLine) error {
	if len(lines) == 0 {
		return nil
	}
	err := r.WithTx(func(tx *sqlx.Tx) error {
		stmt := tx.Rebind(`INSERT INTO task_logs (task_id, line, created_at) VALUES (?, ?, ?)`)
		for _, line := range lines {
			createdAt := line.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx, stmt, line.TaskID, line.Line, createdAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert log lines: %w", repository.ErrForeignKey)
		}
		return fmt.Errorf("insert log lines: %w", err)
	}
	return nil
}

// GetLogLines returns a task's log lines in insertion order.
func (r *Repository) GetLogLines(ctx context.Context, taskID string) ([]*models.TaskLogLine, error) {
	var lines []*models.TaskLogLine
	err := r.db.SelectContext(ctx, &lines, r.db.Rebind(`
		SELECT id, task_id, line, created_at FROM task_logs WHERE task_id = ? ORDER BY id
	`), taskID)
	if err != nil {
		return nil, err
	}
	return lines, nil
}
