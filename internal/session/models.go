package session

import (
	"time"

	"github.com/camdev/cam/internal/agent/command"
)

// Status is the lifecycle state of an agent session. It is monotonic: once
// terminal it never changes again.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

// User identifies the acting user on every public operation.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// AgentSession wraps a PTY session with agent identity and task linkage.
type AgentSession struct {
	SessionID            string       `json:"sessionId"`
	UserID               string       `json:"userId"`
	Username             string       `json:"username"`
	AgentID              string       `json:"agentId"`
	AgentName            string       `json:"agentName"`
	Prompt               string       `json:"prompt"`
	RepoURL              string       `json:"repoUrl,omitempty"`
	RepoPath             string       `json:"repoPath"`
	WorkBranch           string       `json:"workBranch,omitempty"`
	ResumeConversationID string       `json:"resumeConversationId,omitempty"`
	Mode                 command.Mode `json:"mode"`
	Status               Status       `json:"status"`
	StartedAt            time.Time    `json:"startedAt"`
	FinishedAt           *time.Time   `json:"finishedAt,omitempty"`
	ExitCode             *int         `json:"exitCode,omitempty"`
	TaskID               string       `json:"taskId"`
	PipelineID           string       `json:"pipelineId,omitempty"`

	// Collected from git after exit, best effort.
	Branch     string `json:"branch,omitempty"`
	LastCommit string `json:"lastCommit,omitempty"`
}

// Summary is the compact view returned to listing clients.
type Summary struct {
	SessionID  string     `json:"sessionId"`
	AgentID    string     `json:"agentId"`
	AgentName  string     `json:"agentName"`
	Status     Status     `json:"status"`
	TaskID     string     `json:"taskId"`
	PipelineID string     `json:"pipelineId,omitempty"`
	RepoPath   string     `json:"repoPath"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (s *AgentSession) summary() Summary {
	return Summary{
		SessionID:  s.SessionID,
		AgentID:    s.AgentID,
		AgentName:  s.AgentName,
		Status:     s.Status,
		TaskID:     s.TaskID,
		PipelineID: s.PipelineID,
		RepoPath:   s.RepoPath,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

// clone returns a copy safe to hand outside the manager's lock.
func (s *AgentSession) clone() *AgentSession {
	cp := *s
	return &cp
}
