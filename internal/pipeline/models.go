// Package pipeline drives multi-step agent plans: each step fans out into
// parallel nodes, every node runs one agent session, and the pipeline only
// advances when the whole step completed.
package pipeline

import (
	"time"

	"github.com/camdev/cam/internal/agent/command"
)

// Status is the pipeline lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsActive reports whether the pipeline still owns live resources.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusPaused
}

// NodeStatus is the per-node (and per-step) state.
type NodeStatus string

const (
	NodeDraft     NodeStatus = "draft"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the node reached a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeCancelled
}

// SessionPolicy controls whether governed agents may open fresh
// conversations or must reuse prepared ones.
type SessionPolicy string

const (
	PolicyReuseOnly   SessionPolicy = "reuse-only"
	PolicyAllowCreate SessionPolicy = "allow-create"
)

// PreparedStatus is the lease state of a prepared session.
type PreparedStatus string

const (
	PreparedAvailable PreparedStatus = "available"
	PreparedLeased    PreparedStatus = "leased"
)

// Prepared session sources.
const (
	SourceManaged  = "managed"
	SourceExternal = "external"
)

// Node session sources.
const (
	NodeSessionReused  = "reused"
	NodeSessionCreated = "created"
)

// NodeSpec describes one parallel sub-task inside a step.
type NodeSpec struct {
	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
	AgentID string `json:"agentId,omitempty"`
}

// StepSpec describes one step of the plan. An empty Parallel list means a
// single implicit node mirroring the step itself.
type StepSpec struct {
	Title          string     `json:"title"`
	Prompt         string     `json:"prompt"`
	AgentID        string     `json:"agentId,omitempty"`
	Parallel       []NodeSpec `json:"parallel,omitempty"`
	InputCondition string     `json:"inputCondition,omitempty"`
	InputFiles     []string   `json:"inputFiles,omitempty"`
}

// PreparedSpec names an existing conversation the pipeline may lease.
type PreparedSpec struct {
	SessionKey           string       `json:"sessionKey"`
	AgentID              string       `json:"agentId"`
	Mode                 command.Mode `json:"mode"`
	ResumeConversationID string       `json:"resumeConversationId,omitempty"`
	Source               string       `json:"source,omitempty"`
}

// CreateOptions is the input to CreatePipeline.
type CreateOptions struct {
	Title            string         `json:"title,omitempty"`
	RepoURL          string         `json:"repoUrl,omitempty"`
	WorkDir          string         `json:"workDir,omitempty"`
	DefaultAgentID   string         `json:"agentId"`
	Steps            []StepSpec     `json:"steps"`
	SessionPolicy    SessionPolicy  `json:"sessionPolicy,omitempty"`
	AllowCreateSteps []int          `json:"allowCreateStepIndexes,omitempty"`
	Prepared         []PreparedSpec `json:"preparedSessions,omitempty"`
}

// PreparedSession is the live lease record for one reusable conversation.
type PreparedSession struct {
	SessionKey               string         `json:"sessionKey"`
	AgentID                  string         `json:"agentId"`
	Mode                     command.Mode   `json:"mode"`
	ResumeConversationID     string         `json:"resumeConversationId,omitempty"`
	Source                   string         `json:"source"`
	Status                   PreparedStatus `json:"status"`
	UsageCount               int            `json:"usageCount"`
	LeasedByTaskID           string         `json:"leasedByTaskId,omitempty"`
	LeasedByStepIndex        int            `json:"leasedByStepIndex,omitempty"`
	LeasedByRuntimeSessionID string         `json:"leasedByRuntimeSessionId,omitempty"`
}

// Node is one agent session inside a step.
type Node struct {
	Index            int        `json:"index"`
	Title            string     `json:"title"`
	Prompt           string     `json:"prompt"`
	AgentID          string     `json:"agentId"`
	TaskID           string     `json:"taskId"`
	SessionSource    string     `json:"sessionSource,omitempty"` // reused | created
	LeaseKey         string     `json:"leaseKey,omitempty"`
	RuntimeSessionID string     `json:"sessionId,omitempty"`
	Status           NodeStatus `json:"status"`

	// token is the one-time completion-hook token, if a hook was injected.
	token string
}

// Step groups the nodes that run in parallel.
type Step struct {
	Index          int        `json:"index"`
	Title          string     `json:"title"`
	Prompt         string     `json:"prompt"`
	AgentID        string     `json:"agentId"`
	InputCondition string     `json:"inputCondition,omitempty"`
	InputFiles     []string   `json:"inputFiles,omitempty"`
	Nodes          []*Node    `json:"nodes"`
	Status         NodeStatus `json:"status"`
}

// Pipeline is the live plan.
type Pipeline struct {
	ID               string             `json:"pipelineId"`
	UserID           string             `json:"userId"`
	Username         string             `json:"username"`
	Title            string             `json:"title,omitempty"`
	RepoURL          string             `json:"repoUrl,omitempty"`
	RepoPath         string             `json:"repoPath"`
	DefaultAgentID   string             `json:"agentId"`
	Steps            []*Step            `json:"steps"`
	CurrentStepIndex int                `json:"currentStepIndex"`
	Status           Status             `json:"status"`
	SessionPolicy    SessionPolicy      `json:"sessionPolicy"`
	AllowCreate      map[int]bool       `json:"-"`
	Prepared         []*PreparedSession `json:"preparedSessions,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	FinishedAt       *time.Time         `json:"finishedAt,omitempty"`
}

// currentStep returns the step at CurrentStepIndex.
func (p *Pipeline) currentStep() *Step {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return p.Steps[p.CurrentStepIndex]
}

// nodeBySessionID finds the node launched as the given runtime session.
func (p *Pipeline) nodeBySessionID(sessionID string) (*Step, *Node) {
	for _, step := range p.Steps {
		for _, node := range step.Nodes {
			if node.RuntimeSessionID == sessionID {
				return step, node
			}
		}
	}
	return nil, nil
}

// nodeByTaskID finds the node backed by the given task row.
func (p *Pipeline) nodeByTaskID(taskID string) (*Step, *Node) {
	for _, step := range p.Steps {
		for _, node := range step.Nodes {
			if node.TaskID == taskID {
				return step, node
			}
		}
	}
	return nil, nil
}

// preparedByKey returns the prepared session with the key, if any.
func (p *Pipeline) preparedByKey(key string) *PreparedSession {
	for _, ps := range p.Prepared {
		if ps.SessionKey == key {
			return ps
		}
	}
	return nil
}

// bestAvailableLease picks the available prepared session for the agent with
// the lowest usage count, ties broken by session key order.
func (p *Pipeline) bestAvailableLease(agentID string) *PreparedSession {
	var best *PreparedSession
	for _, ps := range p.Prepared {
		if ps.AgentID != agentID || ps.Status != PreparedAvailable {
			continue
		}
		if best == nil ||
			ps.UsageCount < best.UsageCount ||
			(ps.UsageCount == best.UsageCount && ps.SessionKey < best.SessionKey) {
			best = ps
		}
	}
	return best
}

// availableLeaseCount counts available prepared sessions for the agent.
func (p *Pipeline) availableLeaseCount(agentID string) int {
	n := 0
	for _, ps := range p.Prepared {
		if ps.AgentID == agentID && ps.Status == PreparedAvailable {
			n++
		}
	}
	return n
}

// allowsCreate reports whether governed nodes in the step may open fresh
// conversations.
func (p *Pipeline) allowsCreate(stepIndex int) bool {
	return p.SessionPolicy == PolicyAllowCreate || p.AllowCreate[stepIndex]
}

// clone returns a deep copy safe to hand outside the engine's lock.
func (p *Pipeline) clone() *Pipeline {
	cp := *p
	cp.Steps = make([]*Step, len(p.Steps))
	for i, step := range p.Steps {
		s := *step
		s.Nodes = make([]*Node, len(step.Nodes))
		for j, node := range step.Nodes {
			n := *node
			s.Nodes[j] = &n
		}
		s.InputFiles = append([]string(nil), step.InputFiles...)
		cp.Steps[i] = &s
	}
	cp.Prepared = make([]*PreparedSession, len(p.Prepared))
	for i, ps := range p.Prepared {
		c := *ps
		cp.Prepared[i] = &c
	}
	cp.AllowCreate = nil
	return &cp
}
