// Package session wraps PTY sessions with agent identity: command
// resolution, environment injection, git work-branch setup, task linkage and
// terminal log persistence.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/agent/command"
	"github.com/camdev/cam/internal/agent/registry"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/repos"
	"github.com/camdev/cam/internal/secrets"
	"github.com/camdev/cam/internal/task/models"
	"github.com/camdev/cam/internal/task/repository"
	"github.com/camdev/cam/internal/terminal/pty"
)

// Defaults for agent sessions.
const (
	DefaultAgentIdleTimeout = 4 * time.Hour
	DefaultCancelTimeout    = 3 * time.Second
	DefaultFinishedTTL      = 10 * time.Minute
	DefaultGCInterval       = 60 * time.Second
)

// PipelineNotifier is how the manager reports node outcomes back to the
// pipeline engine. Set after construction to break the dependency cycle.
type PipelineNotifier interface {
	MarkNodeDone(pipelineID, sessionID string, success bool)
	CancelPipeline(pipelineID string) error
	IsPipelineActive(pipelineID string) bool
}

// Options configure the manager; zero values select the defaults.
type Options struct {
	AgentIdleTimeout time.Duration
	CancelTimeout    time.Duration
	FinishedTTL      time.Duration
	GCInterval       time.Duration
}

// CreateOptions describe one agent session launch.
type CreateOptions struct {
	AgentID              string
	Prompt               string
	Mode                 command.Mode
	ResumeConversationID string
	RepoURL              string
	WorkDir              string
	Cols, Rows           int
	AutoExit             bool
	Title                string

	// PipelineTaskID promotes an existing pipeline task row instead of
	// inserting a fresh one. PipelineID links the session to its pipeline.
	PipelineTaskID string
	PipelineID     string
}

// Manager owns agent session metadata and drives the terminal log pipeline.
type Manager struct {
	logger   *logger.Logger
	pty      *pty.Manager
	tasks    repository.TaskRepository
	registry *registry.Registry
	secrets  secrets.Resolver
	repos    *repos.Resolver
	bus      bus.EventBus

	agentIdle     time.Duration
	cancelTimeout time.Duration
	finishedTTL   time.Duration
	gcInterval    time.Duration

	mu         sync.Mutex
	notifier   PipelineNotifier
	sessions   map[string]*AgentSession
	taskIndex  map[string]string // task id -> session id
	persisters map[string]*persister
	finishedAt map[string]time.Time
	lastPrune  time.Time
}

// NewManager creates the agent session manager.
func NewManager(
	log *logger.Logger,
	ptyMgr *pty.Manager,
	tasks repository.TaskRepository,
	reg *registry.Registry,
	secretResolver secrets.Resolver,
	repoResolver *repos.Resolver,
	eventBus bus.EventBus,
	opts Options,
) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if opts.AgentIdleTimeout <= 0 {
		opts.AgentIdleTimeout = DefaultAgentIdleTimeout
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultCancelTimeout
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = DefaultFinishedTTL
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	return &Manager{
		logger:        log,
		pty:           ptyMgr,
		tasks:         tasks,
		registry:      reg,
		secrets:       secretResolver,
		repos:         repoResolver,
		bus:           eventBus,
		agentIdle:     opts.AgentIdleTimeout,
		cancelTimeout: opts.CancelTimeout,
		finishedTTL:   opts.FinishedTTL,
		gcInterval:    opts.GCInterval,
		sessions:      make(map[string]*AgentSession),
		taskIndex:     make(map[string]string),
		persisters:    make(map[string]*persister),
		finishedAt:    make(map[string]time.Time),
	}
}

// SetPipelineNotifier wires the engine in. Called once at startup.
func (m *Manager) SetPipelineNotifier(n PipelineNotifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// PTY exposes the underlying terminal manager for dispatchers.
func (m *Manager) PTY() *pty.Manager {
	return m.pty
}

// ResolveRepoPath resolves the working directory for a repo the same way a
// session launch would.
func (m *Manager) ResolveRepoPath(ctx context.Context, workDir, repoURL string) string {
	return m.repos.Resolve(ctx, workDir, repoURL)
}

// resolveEnv collects the agent's environment through the secret resolver.
// Missing required variables fail the launch; sensitive values never reach
// the log.
func (m *Manager) resolveEnv(ctx context.Context, def *registry.AgentDefinition, repoURL string) (map[string]string, error) {
	env := make(map[string]string, len(def.Env))
	ref := secrets.Ref{AgentID: def.ID, RepoURL: repoURL}
	for _, v := range def.Env {
		value, ok, err := m.secrets.Resolve(ctx, v.Name, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", v.Name, err)
		}
		if !ok {
			if v.Required {
				return nil, fmt.Errorf("required environment variable %s is not available", v.Name)
			}
			continue
		}
		env[v.Name] = value
		if !v.Sensitive {
			m.logger.Debug("agent env resolved",
				zap.String("agent_id", def.ID), zap.String("name", v.Name))
		}
	}
	return env, nil
}

// CreateAgentSession launches an agent in a PTY, mirrors it into a task row
// and starts log persistence. With PipelineTaskID set, the existing row is
// promoted to running; a zero-row promotion unwinds the PTY and fails.
func (m *Manager) CreateAgentSession(ctx context.Context, user User, opts CreateOptions) (*AgentSession, error) {
	def, err := m.registry.Get(opts.AgentID)
	if err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = command.ModeCreate
	}

	repoPath := m.repos.Resolve(ctx, opts.WorkDir, opts.RepoURL)

	env, err := m.resolveEnv(ctx, def, opts.RepoURL)
	if err != nil {
		return nil, err
	}

	plan := command.Build(command.Spec{
		AgentID:              opts.AgentID,
		Command:              def.Executable,
		Prompt:               opts.Prompt,
		Mode:                 opts.Mode,
		ResumeConversationID: opts.ResumeConversationID,
		AutoExit:             opts.AutoExit,
	})
	args := append(append([]string{}, def.DefaultArgs...), plan.Args...)

	workBranch := ""
	if opts.Mode == command.ModeCreate {
		workBranch = newWorkBranch()
		if err := checkoutWorkBranch(repoPath, workBranch); err != nil {
			m.logger.Warn("work branch checkout failed",
				zap.String("repo_path", repoPath),
				zap.String("branch", workBranch),
				zap.Error(err))
		}
	}

	// The exit hook needs the session id, which exists only after Create
	// returns; hand it over through a buffered channel.
	idCh := make(chan string, 1)
	res, err := m.pty.Create(pty.CreateOptions{
		UserID:      user.ID,
		Cols:        opts.Cols,
		Rows:        opts.Rows,
		File:        plan.File,
		Args:        args,
		Env:         env,
		Cwd:         repoPath,
		IdleTimeout: m.agentIdle,
		Runtime:     string(def.Runtime),
		ExitHook: func(code int) {
			m.HandleAgentExit(<-idCh, code)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("spawn agent %s: %w", opts.AgentID, err)
	}
	sessionID := res.SessionID

	// Mirror into the durable store before announcing the session.
	taskID := opts.PipelineTaskID
	if taskID != "" {
		rows, err := m.tasks.PromoteToRunning(ctx, taskID, models.PendingStatuses)
		if err == nil && rows == 0 {
			err = fmt.Errorf("task %s is not in a promotable status", taskID)
		}
		if err != nil {
			m.pty.Destroy(sessionID)
			idCh <- sessionID
			return nil, fmt.Errorf("promote pipeline task: %w", err)
		}
	} else {
		title := opts.Title
		if title == "" {
			title = def.Name
		}
		row := &models.Task{
			UserID:      user.ID,
			Title:       title,
			Description: opts.Prompt,
			AgentID:     opts.AgentID,
			RepoURL:     opts.RepoURL,
			WorkDir:     repoPath,
			WorkBranch:  workBranch,
			Status:      models.StatusRunning,
			Source:      models.SourceTerminal,
		}
		if err := m.tasks.InsertTask(ctx, row); err != nil {
			m.pty.Destroy(sessionID)
			idCh <- sessionID
			return nil, fmt.Errorf("insert task: %w", err)
		}
		taskID = row.ID
	}

	meta := &AgentSession{
		SessionID:            sessionID,
		UserID:               user.ID,
		Username:             user.Username,
		AgentID:              def.ID,
		AgentName:            def.Name,
		Prompt:               opts.Prompt,
		RepoURL:              opts.RepoURL,
		RepoPath:             repoPath,
		WorkBranch:           workBranch,
		ResumeConversationID: opts.ResumeConversationID,
		Mode:                 opts.Mode,
		Status:               StatusRunning,
		StartedAt:            time.Now().UTC(),
		TaskID:               taskID,
		PipelineID:           opts.PipelineID,
	}

	m.mu.Lock()
	m.sessions[sessionID] = meta
	m.taskIndex[taskID] = sessionID
	m.mu.Unlock()

	// Release the exit hook only after the meta is registered.
	idCh <- sessionID

	if err := m.startPersistence(sessionID, taskID); err != nil {
		m.logger.Warn("log persistence not started",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	m.publish(events.TypeAgentSessionCreated, meta)

	m.logger.Info("agent session created",
		zap.String("session_id", sessionID),
		zap.String("agent_id", def.ID),
		zap.String("task_id", taskID),
		zap.String("pipeline_id", opts.PipelineID),
		zap.String("repo_path", repoPath))

	return meta.clone(), nil
}

// HandleAgentExit finalizes a session when its child exits: stop log
// persistence, transition meta and task row, notify the pipeline. Safe
// against double entry; the first observation wins.
func (m *Manager) HandleAgentExit(sessionID string, exitCode int) {
	if sessionID == "" {
		return
	}
	drain := m.stopPersistence(sessionID)

	m.mu.Lock()
	meta, ok := m.sessions[sessionID]
	if !ok || meta.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	status := StatusCompleted
	taskStatus := models.StatusCompleted
	if exitCode != 0 {
		status = StatusFailed
		taskStatus = models.StatusFailed
	}
	meta.Status = status
	meta.FinishedAt = &now
	meta.ExitCode = &exitCode
	m.finishedAt[sessionID] = now
	notifier := m.notifier
	pipelineID := meta.PipelineID
	taskID := meta.TaskID
	repoPath := meta.RepoPath
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.tasks.UpdateStatusConditional(ctx, taskID, taskStatus,
		[]models.Status{models.StatusRunning}, &now); err != nil {
		m.logger.Warn("task status update failed",
			zap.String("task_id", taskID), zap.Error(err))
	}

	if pipelineID != "" && notifier != nil {
		notifier.MarkNodeDone(pipelineID, sessionID, exitCode == 0)
	}

	go func() {
		<-drain
		branch, lastCommit := collectGitInfo(repoPath)
		m.mu.Lock()
		if meta, ok := m.sessions[sessionID]; ok {
			meta.Branch = branch
			meta.LastCommit = lastCommit
		}
		m.mu.Unlock()
		m.publishStatus(sessionID)
	}()

	m.logger.Info("agent session exited",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", exitCode),
		zap.String("status", string(status)))
}

// CancelAgentSession interrupts the child and marks the session cancelled.
// Sessions inside an active pipeline escalate to the whole pipeline so the
// step does not hang on a half-cancelled node.
func (m *Manager) CancelAgentSession(sessionID string) error {
	m.mu.Lock()
	meta, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent session %s not found", sessionID)
	}
	notifier := m.notifier
	pipelineID := meta.PipelineID
	m.mu.Unlock()

	if pipelineID != "" && notifier != nil && notifier.IsPipelineActive(pipelineID) {
		return notifier.CancelPipeline(pipelineID)
	}
	return m.CancelSessionDirect(sessionID)
}

// CancelSessionDirect cancels one session without pipeline escalation.
func (m *Manager) CancelSessionDirect(sessionID string) error {
	m.mu.Lock()
	meta, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if meta.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	meta.Status = StatusCancelled
	meta.FinishedAt = &now
	m.finishedAt[sessionID] = now
	taskID := meta.TaskID
	m.mu.Unlock()

	if err := m.pty.Interrupt(sessionID); err != nil {
		m.logger.Debug("interrupt failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// A racing success transition wins; this cancel is then a no-op.
	if _, err := m.tasks.UpdateStatusConditional(ctx, taskID, models.StatusCancelled,
		[]models.Status{models.StatusRunning}, &now); err != nil {
		m.logger.Warn("task cancel update failed", zap.String("task_id", taskID), zap.Error(err))
	}

	time.AfterFunc(m.cancelTimeout, func() {
		if m.pty.Has(sessionID) {
			m.pty.DestroyWithExit(sessionID, -1)
		}
	})

	m.publishStatus(sessionID)
	return nil
}

// StopAndDrainTaskSessionByTaskID cancels the task's live session if any,
// waits for child exit and the log drain, then unlinks the index entry.
// Used before a task row is deleted.
func (m *Manager) StopAndDrainTaskSessionByTaskID(taskID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	meta := m.GetMetaByTaskID(taskID)
	if meta == nil {
		return nil
	}
	sessionID := meta.SessionID

	if meta.Status == StatusRunning {
		if err := m.CancelSessionDirect(sessionID); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(timeout)
	for m.pty.Has(sessionID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	remaining := time.Until(deadline)
	if remaining > 0 {
		m.waitForDrain(sessionID, remaining)
	}

	m.mu.Lock()
	delete(m.taskIndex, taskID)
	m.mu.Unlock()
	return nil
}

// GetMeta returns a copy of the session meta.
func (m *Manager) GetMeta(sessionID string) *AgentSession {
	m.pruneFinished()
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.sessions[sessionID]; ok {
		return meta.clone()
	}
	return nil
}

// GetMetaByTaskID resolves through the task index, self-healing a stale
// entry by scanning the live sessions.
func (m *Manager) GetMetaByTaskID(taskID string) *AgentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sid, ok := m.taskIndex[taskID]; ok {
		if meta, ok := m.sessions[sid]; ok && meta.TaskID == taskID {
			return meta.clone()
		}
		delete(m.taskIndex, taskID)
	}
	for sid, meta := range m.sessions {
		if meta.TaskID == taskID {
			m.taskIndex[taskID] = sid
			return meta.clone()
		}
	}
	return nil
}

// ListByUser returns the user's session metas, newest first not guaranteed.
func (m *Manager) ListByUser(userID string) []*AgentSession {
	m.pruneFinished()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AgentSession
	for _, meta := range m.sessions {
		if meta.UserID == userID {
			out = append(out, meta.clone())
		}
	}
	return out
}

// GetSessionSummaries returns compact session views for listing frames.
func (m *Manager) GetSessionSummaries(userID string) []Summary {
	sessions := m.ListByUser(userID)
	out := make([]Summary, 0, len(sessions))
	for _, meta := range sessions {
		out = append(out, meta.summary())
	}
	return out
}

// GetActiveSessionCount counts the user's live PTYs.
func (m *Manager) GetActiveSessionCount(userID string) int {
	return len(m.pty.ListByUser(userID))
}

// pruneFinished removes finished session metas past their TTL, at most once
// per GC interval. Records with a live PTY or a pending log flush are kept;
// stale finished marks on live sessions are cleared.
func (m *Manager) pruneFinished() {
	m.mu.Lock()
	if time.Since(m.lastPrune) < m.gcInterval {
		m.mu.Unlock()
		return
	}
	m.lastPrune = time.Now()

	type candidate struct {
		sessionID string
		taskID    string
	}
	var expired []candidate
	now := time.Now()
	for sid, finished := range m.finishedAt {
		if now.Sub(finished) < m.finishedTTL {
			continue
		}
		meta, ok := m.sessions[sid]
		if !ok {
			delete(m.finishedAt, sid)
			continue
		}
		if meta.Status == StatusRunning {
			delete(m.finishedAt, sid)
			continue
		}
		expired = append(expired, candidate{sessionID: sid, taskID: meta.TaskID})
	}
	m.mu.Unlock()

	for _, c := range expired {
		if m.pty.Has(c.sessionID) {
			m.mu.Lock()
			delete(m.finishedAt, c.sessionID)
			m.mu.Unlock()
			continue
		}
		if m.hasPendingFlush(c.sessionID) {
			continue
		}
		m.mu.Lock()
		delete(m.sessions, c.sessionID)
		delete(m.finishedAt, c.sessionID)
		if sid, ok := m.taskIndex[c.taskID]; ok && sid == c.sessionID {
			delete(m.taskIndex, c.taskID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) publish(eventType string, meta *AgentSession) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "cam-core", map[string]any{
		"sessionId":  meta.SessionID,
		"userId":     meta.UserID,
		"agentId":    meta.AgentID,
		"taskId":     meta.TaskID,
		"pipelineId": meta.PipelineID,
		"status":     string(meta.Status),
	})
	if err := m.bus.Publish(context.Background(), events.SubjectAgentSessions, event); err != nil {
		m.logger.Debug("event publish failed", zap.Error(err))
	}
}

func (m *Manager) publishStatus(sessionID string) {
	m.mu.Lock()
	meta, ok := m.sessions[sessionID]
	var cp *AgentSession
	if ok {
		cp = meta.clone()
	}
	m.mu.Unlock()
	if cp != nil {
		m.publish(events.TypeAgentSessionStatus, cp)
	}
}
