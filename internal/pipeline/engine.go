package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/camdev/cam/internal/agent/command"
	"github.com/camdev/cam/internal/agent/registry"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/pipeline/hook"
	"github.com/camdev/cam/internal/session"
	"github.com/camdev/cam/internal/sessionpool"
	"github.com/camdev/cam/internal/task/models"
	"github.com/camdev/cam/internal/task/repository"
)

// Engine defaults.
const (
	DefaultFinishedPipelineTTL = 30 * time.Minute
	DefaultGCInterval          = 60 * time.Second
	DefaultCancelTimeout       = 3 * time.Second
	DefaultMaxSessionsPerUser  = 5
)

// Typed failures the HTTP layer maps to status codes.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrInvalidToken     = errors.New("invalid or already used token")
)

// tokenRef is what a one-time callback token must match to be consumed.
type tokenRef struct {
	pipelineID string
	taskID     string
}

// Options configure the engine; zero values select the defaults.
type Options struct {
	// Port composes the completion-hook callback URL.
	Port               int
	MaxSessionsPerUser int
	CancelTimeout      time.Duration
	FinishedTTL        time.Duration
	GCInterval         time.Duration
}

// Engine owns the live pipelines. It implements session.PipelineNotifier for
// the session manager and sessionpool.LeaseView for the pool store.
type Engine struct {
	logger   *logger.Logger
	sessions *session.Manager
	tasks    repository.TaskRepository
	registry *registry.Registry
	pool     *sessionpool.Store
	injector *hook.Injector
	bus      bus.EventBus

	port          int
	maxPerUser    int
	cancelTimeout time.Duration
	finishedTTL   time.Duration
	gcInterval    time.Duration

	mu           sync.Mutex
	pipelines    map[string]*Pipeline
	hookCleanups map[string]func() error // "<pipelineId>:<stepIndex>:<nodeIndex>"
	tokens       map[string]tokenRef
	finishedAt   map[string]time.Time
	lastPrune    time.Time
}

var (
	_ session.PipelineNotifier = (*Engine)(nil)
	_ sessionpool.LeaseView    = (*Engine)(nil)
)

// NewEngine creates the pipeline engine.
func NewEngine(
	log *logger.Logger,
	sessions *session.Manager,
	tasks repository.TaskRepository,
	reg *registry.Registry,
	pool *sessionpool.Store,
	injector *hook.Injector,
	eventBus bus.EventBus,
	opts Options,
) *Engine {
	if log == nil {
		log = logger.Default()
	}
	if opts.MaxSessionsPerUser <= 0 {
		opts.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultCancelTimeout
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = DefaultFinishedPipelineTTL
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	return &Engine{
		logger:        log,
		sessions:      sessions,
		tasks:         tasks,
		registry:      reg,
		pool:          pool,
		injector:      injector,
		bus:           eventBus,
		port:          opts.Port,
		maxPerUser:    opts.MaxSessionsPerUser,
		cancelTimeout: opts.CancelTimeout,
		finishedTTL:   opts.FinishedTTL,
		gcInterval:    opts.GCInterval,
		pipelines:     make(map[string]*Pipeline),
		hookCleanups:  make(map[string]func() error),
		tokens:        make(map[string]tokenRef),
		finishedAt:    make(map[string]time.Time),
	}
}

// cleanupKey identifies one node's hook cleanup.
func cleanupKey(pipelineID string, stepIndex, nodeIndex int) string {
	return fmt.Sprintf("%s:%d:%d", pipelineID, stepIndex, nodeIndex)
}

// CreatePipeline validates the plan, mirrors every node into a task row in
// one transaction, registers the pipeline and launches step 0. On a launch
// failure the pipeline is rolled back to failed with all side effects
// undone.
func (e *Engine) CreatePipeline(ctx context.Context, user session.User, opts CreateOptions) (*Pipeline, []*session.AgentSession, error) {
	p, err := e.buildPipeline(ctx, user, opts)
	if err != nil {
		return nil, nil, err
	}

	// Capacity: live PTYs plus the first step's fan-out must fit the cap.
	live := e.sessions.GetActiveSessionCount(user.ID)
	if live+len(p.Steps[0].Nodes) > e.maxPerUser {
		return nil, nil, fmt.Errorf("pipeline needs %d sessions but only %d of %d slots are free",
			len(p.Steps[0].Nodes), e.maxPerUser-live, e.maxPerUser)
	}

	// One transaction for every node of every step; step 0 starts running,
	// everything downstream is a draft.
	var rows []*models.Task
	for i, step := range p.Steps {
		status := models.StatusDraft
		if i == 0 {
			status = models.StatusRunning
		}
		for _, node := range step.Nodes {
			row := &models.Task{
				UserID:      user.ID,
				Title:       node.Title,
				Description: node.Prompt,
				AgentID:     node.AgentID,
				RepoURL:     p.RepoURL,
				WorkDir:     p.RepoPath,
				Status:      status,
				Source:      models.SourceTerminal,
				GroupID:     p.ID,
			}
			rows = append(rows, row)
		}
	}
	if err := e.tasks.InsertTasksTx(ctx, rows); err != nil {
		return nil, nil, fmt.Errorf("insert pipeline tasks: %w", err)
	}
	i := 0
	for _, step := range p.Steps {
		for _, node := range step.Nodes {
			node.TaskID = rows[i].ID
			i++
		}
	}

	e.mu.Lock()
	e.pipelines[p.ID] = p
	launched, err := e.startStepNodesLocked(ctx, p, 0, user)
	e.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("pipeline created",
		zap.String("pipeline_id", p.ID),
		zap.String("user_id", user.ID),
		zap.Int("steps", len(p.Steps)),
		zap.Int("step0_nodes", len(launched)))

	e.mu.Lock()
	defer e.mu.Unlock()
	return p.clone(), launched, nil
}

// buildPipeline normalizes and validates the plan without side effects.
func (e *Engine) buildPipeline(ctx context.Context, user session.User, opts CreateOptions) (*Pipeline, error) {
	if len(opts.Steps) < 2 {
		return nil, fmt.Errorf("a pipeline needs at least 2 steps, got %d", len(opts.Steps))
	}
	if opts.SessionPolicy == "" {
		opts.SessionPolicy = PolicyAllowCreate
	}

	repoPath := e.sessions.ResolveRepoPath(ctx, opts.WorkDir, opts.RepoURL)

	p := &Pipeline{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Username:       user.Username,
		Title:          opts.Title,
		RepoURL:        opts.RepoURL,
		RepoPath:       repoPath,
		DefaultAgentID: opts.DefaultAgentID,
		Status:         StatusRunning,
		SessionPolicy:  opts.SessionPolicy,
		AllowCreate:    make(map[int]bool, len(opts.AllowCreateSteps)),
		CreatedAt:      time.Now().UTC(),
	}
	for _, idx := range opts.AllowCreateSteps {
		p.AllowCreate[idx] = true
	}

	for i, spec := range opts.Steps {
		stepAgent := spec.AgentID
		if stepAgent == "" {
			stepAgent = opts.DefaultAgentID
		}
		step := &Step{
			Index:          i,
			Title:          spec.Title,
			Prompt:         spec.Prompt,
			AgentID:        stepAgent,
			InputCondition: spec.InputCondition,
			InputFiles:     append([]string(nil), spec.InputFiles...),
			Status:         NodeDraft,
		}
		nodeSpecs := spec.Parallel
		if len(nodeSpecs) == 0 {
			// Single implicit node mirroring the step.
			nodeSpecs = []NodeSpec{{Title: spec.Title, Prompt: spec.Prompt}}
		}
		for k, ns := range nodeSpecs {
			agentID := ns.AgentID
			if agentID == "" {
				agentID = stepAgent
			}
			if !e.registry.Exists(agentID) {
				return nil, fmt.Errorf("step %d node %d: unknown agent %q", i+1, k+1, agentID)
			}
			step.Nodes = append(step.Nodes, &Node{
				Index:   k,
				Title:   ns.Title,
				Prompt:  ns.Prompt,
				AgentID: agentID,
				Status:  NodeDraft,
			})
		}
		p.Steps = append(p.Steps, step)
	}

	// Prepared sessions: managed entries must be backed by a pool row of
	// the same user and repo that no other live pipeline is leasing.
	for _, spec := range opts.Prepared {
		source := spec.Source
		if source == "" {
			source = SourceManaged
		}
		if source == SourceManaged {
			row, err := e.pool.Get(ctx, user.ID, spec.SessionKey)
			if err != nil {
				return nil, fmt.Errorf("prepared session %s: %w", spec.SessionKey, err)
			}
			if row == nil {
				return nil, fmt.Errorf("prepared session %s: no pool row for this user", spec.SessionKey)
			}
			if row.RepoPath != repoPath ||
				row.AgentID != spec.AgentID ||
				string(row.Mode) != string(spec.Mode) ||
				row.ResumeConversationID != spec.ResumeConversationID {
				return nil, fmt.Errorf("prepared session %s: pool row does not match the requested lease", spec.SessionKey)
			}
			if e.IsLeased(user.ID, spec.SessionKey) {
				return nil, fmt.Errorf("prepared session %s: leased by another live pipeline", spec.SessionKey)
			}
		}
		p.Prepared = append(p.Prepared, &PreparedSession{
			SessionKey:           spec.SessionKey,
			AgentID:              spec.AgentID,
			Mode:                 spec.Mode,
			ResumeConversationID: spec.ResumeConversationID,
			Source:               source,
			Status:               PreparedAvailable,
		})
	}

	// Session-policy check: every reuse-only step must have enough prepared
	// sessions per governed agent.
	for i, step := range p.Steps {
		if p.allowsCreate(i) {
			continue
		}
		demand := make(map[string]int)
		for _, node := range step.Nodes {
			def, err := e.registry.Get(node.AgentID)
			if err != nil {
				return nil, err
			}
			if def.SessionGoverned {
				demand[node.AgentID]++
			}
		}
		for agentID, need := range demand {
			if have := p.availableLeaseCount(agentID); have < need {
				return nil, fmt.Errorf("step %d needs %d prepared sessions for agent %s but only %d are available",
					i+1, need, agentID, have)
			}
		}
	}

	return p, nil
}

// startStepNodesLocked launches every node of the step sequentially. Caller
// holds e.mu. Any launch failure rolls the whole pipeline back.
func (e *Engine) startStepNodesLocked(ctx context.Context, p *Pipeline, stepIndex int, user session.User) ([]*session.AgentSession, error) {
	step := p.Steps[stepIndex]
	p.CurrentStepIndex = stepIndex
	step.Status = NodeRunning

	if err := writeStepWorkspace(p, step); err != nil {
		e.logger.Warn("step workspace write failed",
			zap.String("pipeline_id", p.ID),
			zap.Int("step", stepIndex+1),
			zap.Error(err))
	}

	var launched []*session.AgentSession
	for _, node := range step.Nodes {
		meta, err := e.launchNodeLocked(ctx, p, step, node, user)
		if err != nil {
			e.rollbackStepLocked(p, step, fmt.Errorf("step %d node %d: %w", stepIndex+1, node.Index+1, err))
			return nil, fmt.Errorf("start step %d: %w", stepIndex+1, err)
		}
		launched = append(launched, meta)
	}
	return launched, nil
}

// launchNodeLocked plans the session source, injects the completion hook
// when supported, and spawns the agent session for one node.
func (e *Engine) launchNodeLocked(ctx context.Context, p *Pipeline, step *Step, node *Node, user session.User) (*session.AgentSession, error) {
	def, err := e.registry.Get(node.AgentID)
	if err != nil {
		return nil, err
	}

	mode := command.ModeCreate
	resumeID := ""
	var lease *PreparedSession
	if def.SessionGoverned {
		lease = p.bestAvailableLease(node.AgentID)
		switch {
		case lease != nil:
			lease.Status = PreparedLeased
			lease.LeasedByTaskID = node.TaskID
			lease.LeasedByStepIndex = step.Index
			lease.UsageCount++
			node.SessionSource = NodeSessionReused
			node.LeaseKey = lease.SessionKey
			mode = command.Mode(lease.Mode)
			resumeID = lease.ResumeConversationID
		case p.allowsCreate(step.Index):
			node.SessionSource = NodeSessionCreated
		default:
			return nil, fmt.Errorf("no prepared session available for agent %s", node.AgentID)
		}
	}

	hooked := false
	if def.SupportsStopHook {
		token := uuid.NewString()
		cleanup, err := e.injector.Inject(hook.Params{
			RepoPath:   p.RepoPath,
			Token:      token,
			PipelineID: p.ID,
			TaskID:     node.TaskID,
			Port:       e.port,
		})
		if err != nil {
			e.logger.Warn("completion hook injection failed, falling back to auto-exit",
				zap.String("pipeline_id", p.ID),
				zap.String("task_id", node.TaskID),
				zap.Error(err))
		} else {
			hooked = true
			node.token = token
			e.tokens[token] = tokenRef{pipelineID: p.ID, taskID: node.TaskID}
			e.hookCleanups[cleanupKey(p.ID, step.Index, node.Index)] = cleanup
		}
	}

	rendered := renderNodePrompt(p, step, node)
	meta, err := e.sessions.CreateAgentSession(ctx, user, session.CreateOptions{
		AgentID:              node.AgentID,
		Prompt:               rendered,
		Mode:                 mode,
		ResumeConversationID: resumeID,
		RepoURL:              p.RepoURL,
		WorkDir:              p.RepoPath,
		AutoExit:             !hooked,
		Title:                node.Title,
		PipelineTaskID:       node.TaskID,
		PipelineID:           p.ID,
	})
	if err != nil {
		e.releaseNodeResourcesLocked(p, step, node)
		return nil, err
	}

	node.RuntimeSessionID = meta.SessionID
	node.Status = NodeRunning
	if lease != nil {
		lease.LeasedByRuntimeSessionID = meta.SessionID
	}

	if err := writeNodeTaskFile(p, step, node, rendered); err != nil {
		e.logger.Warn("node task file write failed",
			zap.String("pipeline_id", p.ID),
			zap.String("task_id", node.TaskID),
			zap.Error(err))
	}
	return meta, nil
}

// releaseNodeResourcesLocked returns the node's lease and removes its hook
// and token. Caller holds e.mu.
func (e *Engine) releaseNodeResourcesLocked(p *Pipeline, step *Step, node *Node) {
	if node.LeaseKey != "" {
		if ps := p.preparedByKey(node.LeaseKey); ps != nil && ps.LeasedByTaskID == node.TaskID {
			ps.Status = PreparedAvailable
			ps.LeasedByTaskID = ""
			ps.LeasedByRuntimeSessionID = ""
		}
	}
	key := cleanupKey(p.ID, step.Index, node.Index)
	if cleanup, ok := e.hookCleanups[key]; ok {
		delete(e.hookCleanups, key)
		if err := cleanup(); err != nil {
			e.logger.Warn("hook cleanup failed", zap.String("pipeline_id", p.ID), zap.Error(err))
		}
	}
	if node.token != "" {
		delete(e.tokens, node.token)
		node.token = ""
	}
}

// rollbackStepLocked fails the pipeline after a node launch error: started
// nodes are cancelled, downstream drafts are cancelled, every lease, hook
// and token is released. Caller holds e.mu.
func (e *Engine) rollbackStepLocked(p *Pipeline, step *Step, cause error) {
	e.logger.Error("step launch failed, rolling pipeline back",
		zap.String("pipeline_id", p.ID),
		zap.Int("step", step.Index+1),
		zap.Error(cause))

	now := time.Now().UTC()
	p.Status = StatusFailed
	p.FinishedAt = &now
	step.Status = NodeFailed
	e.finishedAt[p.ID] = now

	e.cancelRunningNodesLocked(p, step, &now)
	e.cancelPendingNodesLocked(p, step.Index, &now)
	e.dropPipelineResourcesLocked(p)
}

// cancelRunningNodesLocked cancels every running node in the step, fanning
// the session interrupts out concurrently.
func (e *Engine) cancelRunningNodesLocked(p *Pipeline, step *Step, now *time.Time) {
	var g errgroup.Group
	for _, node := range step.Nodes {
		if node.Status != NodeRunning {
			continue
		}
		node.Status = NodeCancelled
		e.releaseNodeResourcesLocked(p, step, node)
		sid := node.RuntimeSessionID
		taskID := node.TaskID
		g.Go(func() error {
			if sid != "" {
				if err := e.sessions.CancelSessionDirect(sid); err != nil {
					e.logger.Warn("node cancel failed",
						zap.String("session_id", sid), zap.Error(err))
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := e.tasks.UpdateStatusConditional(ctx, taskID, models.StatusCancelled,
				[]models.Status{models.StatusRunning}, now); err != nil {
				e.logger.Warn("task cancel update failed",
					zap.String("task_id", taskID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// cancelPendingNodesLocked cancels every not-yet-started node at or after
// fromStep, persisting the pending-to-cancelled transition.
func (e *Engine) cancelPendingNodesLocked(p *Pipeline, fromStep int, now *time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := fromStep; i < len(p.Steps); i++ {
		step := p.Steps[i]
		for _, node := range step.Nodes {
			if node.Status != NodeDraft {
				continue
			}
			node.Status = NodeCancelled
			if _, err := e.tasks.UpdateStatusConditional(ctx, node.TaskID, models.StatusCancelled,
				models.PendingStatuses, now); err != nil {
				e.logger.Warn("pending task cancel failed",
					zap.String("task_id", node.TaskID), zap.Error(err))
			}
		}
		if i > fromStep && !step.Status.IsTerminal() {
			step.Status = NodeCancelled
		}
	}
}

// dropPipelineResourcesLocked runs and forgets every remaining hook cleanup
// and token of the pipeline. Caller holds e.mu.
func (e *Engine) dropPipelineResourcesLocked(p *Pipeline) {
	for _, step := range p.Steps {
		for _, node := range step.Nodes {
			key := cleanupKey(p.ID, step.Index, node.Index)
			if cleanup, ok := e.hookCleanups[key]; ok {
				delete(e.hookCleanups, key)
				if err := cleanup(); err != nil {
					e.logger.Warn("hook cleanup failed",
						zap.String("pipeline_id", p.ID), zap.Error(err))
				}
			}
			if node.token != "" {
				delete(e.tokens, node.token)
				node.token = ""
			}
		}
	}
	for _, ps := range p.Prepared {
		ps.Status = PreparedAvailable
		ps.LeasedByTaskID = ""
		ps.LeasedByRuntimeSessionID = ""
	}
}

// MarkNodeDone records a node's terminal outcome, reported by the session
// manager when the node's child exits. Idempotent: the first observation of
// a node wins.
func (e *Engine) MarkNodeDone(pipelineID, sessionID string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pipelines[pipelineID]
	if !ok {
		return
	}
	step, node := p.nodeBySessionID(sessionID)
	if node == nil || node.Status.IsTerminal() {
		return
	}

	if success {
		e.completeNodeLocked(p, step, node, sessionID)
		return
	}

	now := time.Now().UTC()
	node.Status = NodeFailed
	step.Status = NodeFailed
	p.Status = StatusFailed
	p.FinishedAt = &now
	e.finishedAt[p.ID] = now
	e.releaseNodeResourcesLocked(p, step, node)
	e.cancelRunningNodesLocked(p, step, &now)
	e.cancelPendingNodesLocked(p, step.Index+1, &now)
	e.dropPipelineResourcesLocked(p)

	e.logger.Info("pipeline failed on node",
		zap.String("pipeline_id", pipelineID),
		zap.String("session_id", sessionID),
		zap.Int("step", step.Index+1))
}

// completeNodeLocked finishes one node successfully; when it was the last
// one, the step completes and the step event goes out. Caller holds e.mu.
func (e *Engine) completeNodeLocked(p *Pipeline, step *Step, node *Node, sessionID string) {
	node.Status = NodeCompleted
	e.releaseNodeResourcesLocked(p, step, node)

	for _, n := range step.Nodes {
		if n.Status != NodeCompleted {
			return
		}
	}
	step.Status = NodeCompleted
	e.publishStepCompleted(p, node.TaskID, sessionID)

	e.logger.Info("pipeline step completed",
		zap.String("pipeline_id", p.ID),
		zap.Int("step", step.Index+1))
}

// AdvancePipeline moves a running pipeline whose current step completed to
// the next step, or completes the pipeline when there is none.
func (e *Engine) AdvancePipeline(ctx context.Context, pipelineID string, user session.User) ([]*session.AgentSession, error) {
	e.pruneFinished()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pipelines[pipelineID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	if p.Status != StatusRunning {
		return nil, fmt.Errorf("pipeline %s is %s, not running", pipelineID, p.Status)
	}
	step := p.currentStep()
	if step == nil || step.Status != NodeCompleted {
		return nil, fmt.Errorf("pipeline %s: current step is not completed", pipelineID)
	}

	next := p.CurrentStepIndex + 1
	if next >= len(p.Steps) {
		now := time.Now().UTC()
		p.Status = StatusCompleted
		p.FinishedAt = &now
		e.finishedAt[p.ID] = now
		e.logger.Info("pipeline completed", zap.String("pipeline_id", pipelineID))
		return nil, nil
	}
	return e.startStepNodesLocked(ctx, p, next, user)
}

// PausePipeline flips a running pipeline to paused. Nothing in flight is
// cancelled.
func (e *Engine) PausePipeline(pipelineID, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.ownedLocked(pipelineID, userID)
	if err != nil {
		return err
	}
	if p.Status != StatusRunning {
		return fmt.Errorf("pipeline %s is %s, cannot pause", pipelineID, p.Status)
	}
	p.Status = StatusPaused
	return nil
}

// ResumePipeline flips a paused pipeline back to running. If the current
// step already completed while paused, it advances immediately and returns
// the newly launched session metas.
func (e *Engine) ResumePipeline(ctx context.Context, pipelineID string, user session.User) ([]*session.AgentSession, error) {
	e.mu.Lock()
	p, err := e.ownedLocked(pipelineID, user.ID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if p.Status != StatusPaused {
		e.mu.Unlock()
		return nil, fmt.Errorf("pipeline %s is %s, cannot resume", pipelineID, p.Status)
	}
	p.Status = StatusRunning
	stepDone := p.currentStep() != nil && p.currentStep().Status == NodeCompleted
	e.mu.Unlock()

	if stepDone {
		return e.AdvancePipeline(ctx, pipelineID, user)
	}
	return nil, nil
}

// CancelPipeline cancels the whole pipeline: running nodes of the current
// step are interrupted, pending nodes everywhere become cancelled, leases,
// hooks and tokens are released.
func (e *Engine) CancelPipeline(pipelineID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pipelines[pipelineID]
	if !ok {
		return ErrPipelineNotFound
	}
	if !p.Status.IsActive() {
		return nil
	}

	now := time.Now().UTC()
	p.Status = StatusCancelled
	p.FinishedAt = &now
	e.finishedAt[p.ID] = now
	if step := p.currentStep(); step != nil {
		if !step.Status.IsTerminal() {
			step.Status = NodeCancelled
		}
		e.cancelRunningNodesLocked(p, step, &now)
	}
	e.cancelPendingNodesLocked(p, 0, &now)
	e.dropPipelineResourcesLocked(p)

	e.logger.Info("pipeline cancelled", zap.String("pipeline_id", pipelineID))
	return nil
}

// NotifyStepCompleted consumes a one-time hook token and completes its node
// without waiting for the child to exit. The interactive agent is then
// interrupted and force-destroyed after the cancel grace.
func (e *Engine) NotifyStepCompleted(ctx context.Context, token, pipelineID, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ref, ok := e.tokens[token]
	if !ok || ref.pipelineID != pipelineID || ref.taskID != taskID {
		return ErrInvalidToken
	}
	delete(e.tokens, token)

	p, ok := e.pipelines[pipelineID]
	if !ok {
		return ErrPipelineNotFound
	}
	if !p.Status.IsActive() {
		return fmt.Errorf("pipeline %s is %s", pipelineID, p.Status)
	}
	step, node := p.nodeByTaskID(taskID)
	if node == nil || node.Status != NodeRunning {
		return fmt.Errorf("task %s has no running node", taskID)
	}
	node.token = ""

	now := time.Now().UTC()
	if _, err := e.tasks.UpdateStatusConditional(ctx, taskID, models.StatusCompleted,
		[]models.Status{models.StatusRunning}, &now); err != nil {
		e.logger.Warn("task complete update failed", zap.String("task_id", taskID), zap.Error(err))
	}

	// Nudge the interactive agent to exit; force it after the grace.
	sid := node.RuntimeSessionID
	pty := e.sessions.PTY()
	if sid != "" {
		if err := pty.Interrupt(sid); err != nil {
			e.logger.Debug("interrupt failed", zap.String("session_id", sid), zap.Error(err))
		}
		time.AfterFunc(e.cancelTimeout, func() {
			if pty.Has(sid) {
				pty.DestroyWithExit(sid, -1)
			}
		})
	}

	e.completeNodeLocked(p, step, node, sid)
	return nil
}

// IsPipelineActive reports whether the pipeline is running or paused.
func (e *Engine) IsPipelineActive(pipelineID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[pipelineID]
	return ok && p.Status.IsActive()
}

// IsLeased reports whether a live pipeline of the user holds the managed
// session key. Backs the pool store's leased annotation and delete guard.
func (e *Engine) IsLeased(userID, sessionKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pipelines {
		if p.UserID != userID || !p.Status.IsActive() {
			continue
		}
		for _, ps := range p.Prepared {
			if ps.Source == SourceManaged && ps.SessionKey == sessionKey {
				return true
			}
		}
	}
	return false
}

// GetPipeline returns a deep copy of the pipeline, or nil.
func (e *Engine) GetPipeline(pipelineID string) *Pipeline {
	e.pruneFinished()
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pipelines[pipelineID]; ok {
		return p.clone()
	}
	return nil
}

// ListByUser returns copies of the user's pipelines.
func (e *Engine) ListByUser(userID string) []*Pipeline {
	e.pruneFinished()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Pipeline
	for _, p := range e.pipelines {
		if p.UserID == userID {
			out = append(out, p.clone())
		}
	}
	return out
}

// ownedLocked resolves the pipeline and enforces ownership. Caller holds
// e.mu.
func (e *Engine) ownedLocked(pipelineID, userID string) (*Pipeline, error) {
	p, ok := e.pipelines[pipelineID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("pipeline %s is not owned by this user", pipelineID)
	}
	return p, nil
}

// pruneFinished drops finished pipelines past their TTL, at most once per GC
// interval. Pipelines with any node still holding a live PTY are kept.
func (e *Engine) pruneFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.lastPrune) < e.gcInterval {
		return
	}
	e.lastPrune = time.Now()

	pty := e.sessions.PTY()
	now := time.Now()
	for id, finished := range e.finishedAt {
		if now.Sub(finished) < e.finishedTTL {
			continue
		}
		p, ok := e.pipelines[id]
		if !ok {
			delete(e.finishedAt, id)
			continue
		}
		live := false
		for _, step := range p.Steps {
			for _, node := range step.Nodes {
				if node.RuntimeSessionID != "" && pty.Has(node.RuntimeSessionID) {
					live = true
				}
			}
		}
		if live {
			continue
		}
		for _, step := range p.Steps {
			for _, node := range step.Nodes {
				delete(e.hookCleanups, cleanupKey(id, step.Index, node.Index))
				if node.token != "" {
					delete(e.tokens, node.token)
				}
			}
		}
		delete(e.pipelines, id)
		delete(e.finishedAt, id)
	}
}

// publishStepCompleted emits the step-completed event the dispatcher uses to
// drive advancement.
func (e *Engine) publishStepCompleted(p *Pipeline, taskID, sessionID string) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(events.TypePipelineStepComplete, "cam-core", map[string]any{
		"pipelineId": p.ID,
		"taskId":     taskID,
		"userId":     p.UserID,
		"sessionId":  sessionID,
		"stepIndex":  p.CurrentStepIndex,
	})
	if err := e.bus.Publish(context.Background(), events.SubjectPipelineSteps, event); err != nil {
		e.logger.Debug("step event publish failed", zap.Error(err))
	}
}
