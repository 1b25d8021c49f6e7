//go:build !windows

package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/agent/registry"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/pipeline/hook"
	"github.com/camdev/cam/internal/repos"
	"github.com/camdev/cam/internal/secrets"
	"github.com/camdev/cam/internal/session"
	"github.com/camdev/cam/internal/sessionpool"
	"github.com/camdev/cam/internal/task/models"
	taskstore "github.com/camdev/cam/internal/task/repository/sqlite"
	"github.com/camdev/cam/internal/terminal/pty"
)

var pipeUser = session.User{ID: "u1", Username: "dev"}

type engineFixture struct {
	engine   *Engine
	sessions *session.Manager
	tasks    *taskstore.Repository
	pool     *sessionpool.Store
	pty      *pty.Manager
	bus      *bus.MemoryEventBus
	repoDir  string
}

func newEngineFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "cam.db")+"?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks, err := taskstore.NewWithDB(db)
	require.NoError(t, err)
	pool, err := sessionpool.NewStore(db)
	require.NoError(t, err)

	reg := registry.NewRegistry(log)
	for _, def := range []*registry.AgentDefinition{
		{ID: "quick", Name: "Quick", Executable: "/bin/true"},
		{ID: "failer", Name: "Failer", Executable: "/bin/false"},
		{ID: "sleeper", Name: "Sleeper", Executable: "/bin/sh", DefaultArgs: []string{"-c", "sleep 30", "sh"}},
		{ID: "gov", Name: "Governed", Executable: "/bin/true", SessionGoverned: true},
		{ID: "hooked", Name: "Hooked", Executable: "/bin/sh",
			DefaultArgs: []string{"-c", "sleep 30", "sh"}, SupportsStopHook: true},
	} {
		require.NoError(t, reg.Register(def))
	}

	eventBus := bus.NewMemoryEventBus(log)
	ptyMgr := pty.NewManager(log, 50, time.Minute)
	sessions := session.NewManager(log, ptyMgr, tasks, reg, secrets.NewEnvResolver(),
		repos.NewResolver(nil, t.TempDir()), eventBus, session.Options{
			CancelTimeout: 200 * time.Millisecond,
		})

	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 200 * time.Millisecond
	}
	if opts.MaxSessionsPerUser <= 0 {
		opts.MaxSessionsPerUser = 20
	}
	engine := NewEngine(log, sessions, tasks, reg, pool, hook.NewInjector(log), eventBus, opts)
	sessions.SetPipelineNotifier(engine)
	pool.SetLeaseView(engine)

	return &engineFixture{
		engine:   engine,
		sessions: sessions,
		tasks:    tasks,
		pool:     pool,
		pty:      ptyMgr,
		bus:      eventBus,
		repoDir:  t.TempDir(),
	}
}

func twoQuickSteps() []StepSpec {
	return []StepSpec{
		{Title: "plan", Prompt: "P"},
		{Title: "impl", Prompt: "I"},
	}
}

func waitStep(t *testing.T, e *Engine, pipelineID string, stepIndex int, want NodeStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		p := e.GetPipeline(pipelineID)
		return p != nil && p.Steps[stepIndex].Status == want
	}, 5*time.Second, 20*time.Millisecond, "step %d never reached %s", stepIndex+1, want)
}

func waitPipeline(t *testing.T, e *Engine, pipelineID string, want Status) *Pipeline {
	t.Helper()
	var p *Pipeline
	require.Eventually(t, func() bool {
		p = e.GetPipeline(pipelineID)
		return p != nil && p.Status == want
	}, 5*time.Second, 20*time.Millisecond, "pipeline never reached %s", want)
	return p
}

func TestCreateRejectsShortAndUnknown(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	_, _, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "quick",
		WorkDir:        f.repoDir,
		Steps:          []StepSpec{{Title: "only", Prompt: "x"}},
	})
	require.ErrorContains(t, err, "at least 2 steps")

	_, _, err = f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "nope",
		WorkDir:        f.repoDir,
		Steps:          twoQuickSteps(),
	})
	require.ErrorContains(t, err, "unknown agent")
	assert.Empty(t, f.engine.ListByUser(pipeUser.ID))
}

func TestHappyTwoStepPipeline(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	p, launched, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "quick",
		WorkDir:        f.repoDir,
		Steps:          twoQuickSteps(),
	})
	require.NoError(t, err)
	require.Len(t, launched, 1)
	assert.Equal(t, StatusRunning, p.Status)
	assert.Equal(t, 0, p.CurrentStepIndex)

	// Step 0's task row was promoted (the quick child may already be done).
	row, err := f.tasks.GetTask(ctx, p.Steps[0].Nodes[0].TaskID)
	require.NoError(t, err)
	assert.Contains(t, []models.Status{models.StatusRunning, models.StatusCompleted}, row.Status)
	row, err = f.tasks.GetTask(ctx, p.Steps[1].Nodes[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, row.Status)

	waitStep(t, f.engine, p.ID, 0, NodeCompleted)

	launched, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)
	require.Len(t, launched, 1)

	waitStep(t, f.engine, p.ID, 1, NodeCompleted)

	launched, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)
	assert.Empty(t, launched)

	final := waitPipeline(t, f.engine, p.ID, StatusCompleted)
	for _, step := range final.Steps {
		row, err := f.tasks.GetTask(ctx, step.Nodes[0].TaskID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, row.Status)
	}
}

func TestStepWorkspaceAndRenderedPrompt(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	p, _, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "quick",
		WorkDir:        f.repoDir,
		Steps: []StepSpec{
			{Title: "plan", Prompt: "shared goal", Parallel: []NodeSpec{
				{Title: "a", Prompt: "write the plan"},
				{Title: "b", Prompt: "review the plan"},
			}},
			{Title: "impl", Prompt: "I"},
		},
	})
	require.NoError(t, err)

	stepDir := filepath.Join(f.repoDir, WorkspaceDirName, "step1")
	data, err := os.ReadFile(filepath.Join(stepDir, "workspace.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, p.ID, doc["pipelineId"])
	assert.Equal(t, float64(1), doc["stepIndex"])
	assert.Nil(t, doc["previousStepDir"])

	task1, err := os.ReadFile(filepath.Join(stepDir, "agent-1-task.md"))
	require.NoError(t, err)
	rendered := string(task1)
	assert.Contains(t, rendered, "step 1/2: plan")
	assert.Contains(t, rendered, "node 1/2")
	assert.Contains(t, rendered, "no previous step")
	assert.Contains(t, rendered, "agent-1-output.md")
	assert.Contains(t, rendered, "step goal (shared): shared goal")
	assert.Contains(t, rendered, "write the plan")

	waitStep(t, f.engine, p.ID, 0, NodeCompleted)
	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)

	task2, err := os.ReadFile(filepath.Join(f.repoDir, WorkspaceDirName, "step2", "agent-1-task.md"))
	require.NoError(t, err)
	assert.Contains(t, string(task2), "previous step dir: "+filepath.Join(WorkspaceDirName, "step1"))
	assert.Contains(t, string(task2), filepath.Join(WorkspaceDirName, "step1", "summary.md"))
}

func TestReuseOnlyWithInsufficientPool(t *testing.T) {
	f := newEngineFixture(t, Options{})

	_, _, err := f.engine.CreatePipeline(context.Background(), pipeUser, CreateOptions{
		DefaultAgentID: "gov",
		WorkDir:        f.repoDir,
		SessionPolicy:  PolicyReuseOnly,
		Steps: []StepSpec{
			{Title: "plan", Prompt: "P", Parallel: []NodeSpec{{Prompt: "a"}, {Prompt: "b"}}},
			{Title: "impl", Prompt: "I"},
		},
	})
	require.ErrorContains(t, err, "prepared sessions")
	assert.Empty(t, f.engine.ListByUser(pipeUser.ID))
	assert.Zero(t, f.pty.Size())
}

func TestCapacityCheck(t *testing.T) {
	f := newEngineFixture(t, Options{MaxSessionsPerUser: 1})

	_, _, err := f.engine.CreatePipeline(context.Background(), pipeUser, CreateOptions{
		DefaultAgentID: "quick",
		WorkDir:        f.repoDir,
		Steps: []StepSpec{
			{Title: "plan", Prompt: "P", Parallel: []NodeSpec{{Prompt: "a"}, {Prompt: "b"}}},
			{Title: "impl", Prompt: "I"},
		},
	})
	require.ErrorContains(t, err, "slots")
}

func TestParallelStepOneNodeFails(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	p, _, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "sleeper",
		WorkDir:        f.repoDir,
		Steps: []StepSpec{
			{Title: "plan", Prompt: "P", Parallel: []NodeSpec{
				{Title: "n1", Prompt: "a"},
				{Title: "n2", Prompt: "b", AgentID: "failer"},
			}},
			{Title: "impl", Prompt: "I"},
		},
	})
	require.NoError(t, err)

	final := waitPipeline(t, f.engine, p.ID, StatusFailed)
	assert.Equal(t, NodeFailed, final.Steps[0].Status)
	assert.Equal(t, NodeCancelled, final.Steps[0].Nodes[0].Status)
	assert.Equal(t, NodeFailed, final.Steps[0].Nodes[1].Status)
	assert.Equal(t, NodeCancelled, final.Steps[1].Nodes[0].Status)

	require.Eventually(t, func() bool {
		n1, err1 := f.tasks.GetTask(ctx, final.Steps[0].Nodes[0].TaskID)
		n2, err2 := f.tasks.GetTask(ctx, final.Steps[0].Nodes[1].TaskID)
		dn, err3 := f.tasks.GetTask(ctx, final.Steps[1].Nodes[0].TaskID)
		return err1 == nil && err2 == nil && err3 == nil &&
			n1.Status == models.StatusCancelled &&
			n2.Status == models.StatusFailed &&
			dn.Status == models.StatusCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCancelPipeline(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	p, launched, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "sleeper",
		WorkDir:        f.repoDir,
		Steps:          twoQuickSteps(),
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.CancelPipeline(p.ID))
	require.NoError(t, f.engine.CancelPipeline(p.ID), "cancelling twice is a no-op")

	final := f.engine.GetPipeline(p.ID)
	require.NotNil(t, final)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, NodeCancelled, final.Steps[0].Nodes[0].Status)
	assert.Equal(t, NodeCancelled, final.Steps[1].Nodes[0].Status)
	assert.False(t, f.engine.IsPipelineActive(p.ID))

	require.Eventually(t, func() bool {
		running, err1 := f.tasks.GetTask(ctx, final.Steps[0].Nodes[0].TaskID)
		pending, err2 := f.tasks.GetTask(ctx, final.Steps[1].Nodes[0].TaskID)
		return err1 == nil && err2 == nil &&
			running.Status == models.StatusCancelled &&
			pending.Status == models.StatusCancelled
	}, 5*time.Second, 20*time.Millisecond)

	sid := launched[0].SessionID
	assert.Eventually(t, func() bool { return !f.pty.Has(sid) }, 5*time.Second, 20*time.Millisecond)
}

func TestPauseThenResumeAcrossStepBoundary(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	p, _, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "quick",
		WorkDir:        f.repoDir,
		Steps:          twoQuickSteps(),
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.PausePipeline(p.ID, pipeUser.ID))
	require.Error(t, f.engine.PausePipeline(p.ID, pipeUser.ID), "already paused")

	// The running node still finishes; the pipeline stays paused.
	waitStep(t, f.engine, p.ID, 0, NodeCompleted)
	assert.Equal(t, StatusPaused, f.engine.GetPipeline(p.ID).Status)

	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.Error(t, err, "paused pipelines do not advance")

	launched, err := f.engine.ResumePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)
	require.Len(t, launched, 1, "resume advances immediately when the step completed")

	waitStep(t, f.engine, p.ID, 1, NodeCompleted)
	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)
	waitPipeline(t, f.engine, p.ID, StatusCompleted)
}

func TestOwnershipChecks(t *testing.T) {
	f := newEngineFixture(t, Options{})
	p, _, err := f.engine.CreatePipeline(context.Background(), pipeUser, CreateOptions{
		DefaultAgentID: "quick",
		WorkDir:        f.repoDir,
		Steps:          twoQuickSteps(),
	})
	require.NoError(t, err)

	err = f.engine.PausePipeline(p.ID, "intruder")
	require.ErrorContains(t, err, "not owned")
}

func TestHookCompletionPath(t *testing.T) {
	f := newEngineFixture(t, Options{Port: 8080})
	ctx := context.Background()

	done := make(chan *bus.Event, 4)
	_, err := f.bus.Subscribe("cam.pipeline.steps", func(_ context.Context, ev *bus.Event) error {
		done <- ev
		return nil
	})
	require.NoError(t, err)

	p, launched, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "hooked",
		WorkDir:        f.repoDir,
		Steps:          twoQuickSteps(),
	})
	require.NoError(t, err)
	taskID := p.Steps[0].Nodes[0].TaskID

	// The stop hook landed in the repo settings.
	settingsPath := filepath.Join(f.repoDir, ".claude", "settings.json")
	data, err := os.ReadFile(settingsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), hook.StepDonePath)

	f.engine.mu.Lock()
	var token string
	for tok, ref := range f.engine.tokens {
		if ref.taskID == taskID {
			token = tok
		}
	}
	f.engine.mu.Unlock()
	require.NotEmpty(t, token)

	require.ErrorIs(t, f.engine.NotifyStepCompleted(ctx, "bogus", p.ID, taskID), ErrInvalidToken)
	require.ErrorIs(t, f.engine.NotifyStepCompleted(ctx, token, p.ID, "other-task"), ErrInvalidToken)

	require.NoError(t, f.engine.NotifyStepCompleted(ctx, token, p.ID, taskID))
	require.ErrorIs(t, f.engine.NotifyStepCompleted(ctx, token, p.ID, taskID), ErrInvalidToken,
		"tokens are single use")

	row, err := f.tasks.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, row.Status)

	got := f.engine.GetPipeline(p.ID)
	assert.Equal(t, NodeCompleted, got.Steps[0].Status)

	select {
	case ev := <-done:
		assert.Equal(t, p.ID, ev.Data["pipelineId"])
		assert.Equal(t, taskID, ev.Data["taskId"])
		assert.Equal(t, pipeUser.ID, ev.Data["userId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no step-completed event")
	}

	// The interactive agent is force-destroyed after the grace.
	sid := launched[0].SessionID
	assert.Eventually(t, func() bool { return !f.pty.Has(sid) }, 5*time.Second, 20*time.Millisecond)

	// Hook cleanup removed the injected settings file.
	assert.Eventually(t, func() bool {
		_, err := os.Stat(settingsPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, f.engine.CancelPipeline(p.ID))
}

func TestManagedLeaseLifecycle(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	row, err := f.pool.Upsert(ctx, pipeUser.ID, sessionpool.UpsertInput{
		RepoPath: f.repoDir,
		AgentID:  "gov",
		Mode:     sessionpool.ModeContinue,
	})
	require.NoError(t, err)

	p, _, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "gov",
		WorkDir:        f.repoDir,
		SessionPolicy:  PolicyReuseOnly,
		Steps:          twoQuickSteps(),
		Prepared: []PreparedSpec{{
			SessionKey: row.SessionKey,
			AgentID:    "gov",
			Mode:       "continue",
		}},
	})
	require.NoError(t, err)

	assert.True(t, f.engine.IsLeased(pipeUser.ID, row.SessionKey))
	assert.Equal(t, NodeSessionReused, p.Steps[0].Nodes[0].SessionSource)
	assert.Equal(t, row.SessionKey, p.Steps[0].Nodes[0].LeaseKey)

	// Leased rows refuse deletion while the pipeline lives.
	require.ErrorIs(t, f.pool.Delete(ctx, pipeUser.ID, row.SessionKey), sessionpool.ErrLeased)

	waitStep(t, f.engine, p.ID, 0, NodeCompleted)

	// Released at node terminal, leased again for step 2.
	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)
	got := f.engine.GetPipeline(p.ID)
	assert.Equal(t, 2, got.Prepared[0].UsageCount)

	waitStep(t, f.engine, p.ID, 1, NodeCompleted)
	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)
	waitPipeline(t, f.engine, p.ID, StatusCompleted)

	assert.False(t, f.engine.IsLeased(pipeUser.ID, row.SessionKey))
	require.NoError(t, f.pool.Delete(ctx, pipeUser.ID, row.SessionKey))
}

func TestLeasePicksLowestUsageThenKeyOrder(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	rowA, err := f.pool.Upsert(ctx, pipeUser.ID, sessionpool.UpsertInput{
		RepoPath: f.repoDir,
		AgentID:  "gov",
		Mode:     sessionpool.ModeContinue,
	})
	require.NoError(t, err)
	rowB, err := f.pool.Upsert(ctx, pipeUser.ID, sessionpool.UpsertInput{
		RepoPath:             f.repoDir,
		AgentID:              "gov",
		Mode:                 sessionpool.ModeResume,
		ResumeConversationID: "conv-b",
	})
	require.NoError(t, err)
	require.Less(t, rowA.SessionKey, rowB.SessionKey)

	p, _, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "gov",
		WorkDir:        f.repoDir,
		SessionPolicy:  PolicyReuseOnly,
		Steps: []StepSpec{
			{Title: "plan", Prompt: "P"},
			{Title: "impl", Prompt: "I"},
			{Title: "verify", Prompt: "V"},
		},
		Prepared: []PreparedSpec{
			{SessionKey: rowA.SessionKey, AgentID: "gov", Mode: "continue"},
			{SessionKey: rowB.SessionKey, AgentID: "gov", Mode: "resume", ResumeConversationID: "conv-b"},
		},
	})
	require.NoError(t, err)

	// Both prepared sessions start at usage 0: the tie falls to key order.
	assert.Equal(t, rowA.SessionKey, p.Steps[0].Nodes[0].LeaseKey)

	waitStep(t, f.engine, p.ID, 0, NodeCompleted)
	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)

	// The never-used session beats the once-used one.
	got := f.engine.GetPipeline(p.ID)
	assert.Equal(t, rowB.SessionKey, got.Steps[1].Nodes[0].LeaseKey)

	waitStep(t, f.engine, p.ID, 1, NodeCompleted)
	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)

	// Tied again at one use each: back to key order.
	got = f.engine.GetPipeline(p.ID)
	assert.Equal(t, rowA.SessionKey, got.Steps[2].Nodes[0].LeaseKey)

	waitStep(t, f.engine, p.ID, 2, NodeCompleted)
	_, err = f.engine.AdvancePipeline(ctx, p.ID, pipeUser)
	require.NoError(t, err)
	final := waitPipeline(t, f.engine, p.ID, StatusCompleted)

	assert.Equal(t, 2, final.Prepared[0].UsageCount)
	assert.Equal(t, 1, final.Prepared[1].UsageCount)
}

func TestReuseOnlyLeaseExhaustionFailsLaunch(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx := context.Background()

	row, err := f.pool.Upsert(ctx, pipeUser.ID, sessionpool.UpsertInput{
		RepoPath: f.repoDir,
		AgentID:  "gov",
		Mode:     sessionpool.ModeContinue,
	})
	require.NoError(t, err)

	// Two governed nodes in one reuse-only step, one prepared session:
	// rejected up front, before any task row exists.
	_, _, err = f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "gov",
		WorkDir:        f.repoDir,
		SessionPolicy:  PolicyReuseOnly,
		Steps: []StepSpec{
			{Title: "plan", Prompt: "P", Parallel: []NodeSpec{{Prompt: "a"}, {Prompt: "b"}}},
			{Title: "impl", Prompt: "I"},
		},
		Prepared: []PreparedSpec{{SessionKey: row.SessionKey, AgentID: "gov", Mode: "continue"}},
	})
	require.ErrorContains(t, err, "prepared sessions")
}

func TestFinishedPipelinesArePruned(t *testing.T) {
	f := newEngineFixture(t, Options{FinishedTTL: 50 * time.Millisecond, GCInterval: time.Millisecond})
	ctx := context.Background()

	p, _, err := f.engine.CreatePipeline(ctx, pipeUser, CreateOptions{
		DefaultAgentID: "quick",
		WorkDir:        f.repoDir,
		Steps:          twoQuickSteps(),
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.CancelPipeline(p.ID))

	require.Eventually(t, func() bool {
		return f.engine.GetPipeline(p.ID) == nil
	}, 5*time.Second, 30*time.Millisecond, "finished pipeline must be pruned after its TTL")
}
