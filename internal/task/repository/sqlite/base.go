// Package sqlite implements the task repository over sqlx. Queries are
// written with ? placeholders and passed through Rebind, so the package
// works with both the sqlite3 and pgx stdlib drivers.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/camdev/cam/internal/task/repository"
)

// Repository provides sqlx-backed task storage.
type Repository struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ repository.TaskRepository = (*Repository)(nil)

// New opens the database at the given DSN and initializes the schema.
func New(driver, dsn string) (*Repository, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, "_foreign_keys") {
		// Connection-string level so every pooled connection enforces FKs.
		if strings.Contains(dsn, "?") {
			dsn += "&_foreign_keys=on"
		} else {
			dsn += "?_foreign_keys=on"
		}
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newRepository(db, true)
}

// NewWithDB wraps an existing connection (shared ownership).
func NewWithDB(db *sqlx.DB) (*Repository, error) {
	return newRepository(db, false)
}

func newRepository(db *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: db, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection when owned.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sqlx handle for shared access.
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

// initSchema creates the tables if they don't exist.
func (r *Repository) initSchema() error {
	logPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if r.db.DriverName() == "pgx" {
		logPK = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			repo_url TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			work_branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			id ` + logPK + `,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			line TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group_id ON tasks(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (r *Repository) WithTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isForeignKeyViolation matches the sqlite3 and postgres renderings of a
// referential-integrity error without importing driver error types.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key") || strings.Contains(msg, "23503")
}
