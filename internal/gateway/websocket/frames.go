package websocket

import (
	"github.com/camdev/cam/internal/pipeline"
	"github.com/camdev/cam/internal/session"
	"github.com/camdev/cam/internal/terminal/pty"
)

// Client frame types.
const (
	TypeCreate         = "create"
	TypeAttach         = "attach"
	TypeInput          = "input"
	TypeResize         = "resize"
	TypeDestroy        = "destroy"
	TypeList           = "list"
	TypePing           = "ping"
	TypeAgentCreate    = "agent-create"
	TypeAgentCancel    = "agent-cancel"
	TypeAgentList      = "agent-list"
	TypePipelineCreate = "pipeline-create"
	TypePipelineCancel = "pipeline-cancel"
	TypePipelinePause  = "pipeline-pause"
	TypePipelineResume = "pipeline-resume"
)

// Server frame types.
const (
	TypeCreated            = "created"
	TypeOutput             = "output"
	TypeExited             = "exited"
	TypeSessions           = "sessions"
	TypeError              = "error"
	TypePong               = "pong"
	TypeAgentCreated       = "agent-created"
	TypeAgentStatus        = "agent-status"
	TypeAgentSessions      = "agent-sessions"
	TypePipelineCreated    = "pipeline-created"
	TypePipelineStepStatus = "pipeline-step-status"
	TypePipelineCompleted  = "pipeline-completed"
	TypePipelinePaused     = "pipeline-paused"
	TypePipelineResumed    = "pipeline-resumed"
)

// Frame is the single flat message shape both directions use; fields not
// relevant to a type are omitted. Pipeline frames use the array form: one
// entry per node of the step.
type Frame struct {
	Type string `json:"type"`

	// Terminal fields.
	SessionID string            `json:"sessionId,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	File      string            `json:"file,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Shell     string            `json:"shell,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Data      string            `json:"data,omitempty"`
	ExitCode  *int              `json:"exitCode,omitempty"`

	// Agent fields.
	AgentID              string                `json:"agentId,omitempty"`
	Prompt               string                `json:"prompt,omitempty"`
	Mode                 string                `json:"mode,omitempty"`
	ResumeConversationID string                `json:"resumeConversationId,omitempty"`
	RepoURL              string                `json:"repoUrl,omitempty"`
	WorkDir              string                `json:"workDir,omitempty"`
	Title                string                `json:"title,omitempty"`
	Session              *session.AgentSession `json:"session,omitempty"`
	AgentSessions        []session.Summary     `json:"agentSessions,omitempty"`
	Terminals            []pty.Info            `json:"sessions,omitempty"`

	// Pipeline fields.
	Pipeline       *pipeline.CreateOptions `json:"pipeline,omitempty"`
	PipelineID     string                  `json:"pipelineId,omitempty"`
	PipelineStatus string                  `json:"pipelineStatus,omitempty"`
	StepIndex      *int                    `json:"stepIndex,omitempty"`
	StepStatus     string                  `json:"stepStatus,omitempty"`
	TaskIDs        []string                `json:"taskIds,omitempty"`
	SessionIDs     []string                `json:"sessionIds,omitempty"`

	// Error fields.
	Message string `json:"message,omitempty"`
	Op      string `json:"op,omitempty"`
}

// stepFrame builds the array-form step-status frame for one step.
func stepFrame(p *pipeline.Pipeline, stepIndex int) *Frame {
	step := p.Steps[stepIndex]
	idx := stepIndex
	f := &Frame{
		Type:           TypePipelineStepStatus,
		PipelineID:     p.ID,
		PipelineStatus: string(p.Status),
		StepIndex:      &idx,
		StepStatus:     string(step.Status),
	}
	for _, node := range step.Nodes {
		f.TaskIDs = append(f.TaskIDs, node.TaskID)
		f.SessionIDs = append(f.SessionIDs, node.RuntimeSessionID)
	}
	return f
}
