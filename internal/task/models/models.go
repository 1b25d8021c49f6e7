// Package models defines the durable task mirror: task rows and their
// append-only log lines.
package models

import "time"

// Status is the lifecycle state of a task row.
type Status string

// Task statuses. Transitions written by the engine are always conditional
// on an expected current status; a failed precondition is a no-op.
const (
	StatusDraft          Status = "draft"
	StatusQueued         Status = "queued"
	StatusWaiting        Status = "waiting"
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PendingStatuses are the pre-running states a pipeline node row can be in.
var PendingStatuses = []Status{StatusDraft, StatusQueued, StatusWaiting}

// Source tags where a task row originated.
type Source string

const (
	// SourceScheduled marks rows created by external schedulers.
	SourceScheduled Source = "scheduled"
	// SourceTerminal marks rows created by interactive or pipeline sessions.
	SourceTerminal Source = "terminal"
)

// Task is the durable mirror of an agent session or pipeline node.
type Task struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"` // effective prompt
	AgentID     string     `json:"agent_id" db:"agent_id"`
	RepoURL     string     `json:"repo_url" db:"repo_url"`
	WorkDir     string     `json:"work_dir" db:"work_dir"`
	WorkBranch  string     `json:"work_branch" db:"work_branch"`
	Status      Status     `json:"status" db:"status"`
	Source      Source     `json:"source" db:"source"`
	GroupID     string     `json:"group_id,omitempty" db:"group_id"` // pipeline id
	Retries     int        `json:"retries" db:"retries"`
	ExitCode    *int       `json:"exit_code,omitempty" db:"exit_code"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// TaskLogLine is one append-only output line of a task, insertion-ordered.
type TaskLogLine struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Line      string    `json:"line" db:"line"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
