// Package pty owns child-process lifecycles attached to pseudo-terminals:
// spawn, attach/detach, scrollback replay, auxiliary data taps, idle
// timeout and destruction.
package pty

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
)

// Errors returned by manager operations.
var (
	// ErrNotFound is returned when the session id refers to no live session.
	ErrNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when a user is at their live-session cap.
	ErrSessionLimit = errors.New("session limit reached")
)

// DefaultMaxSessionsPerUser caps concurrent live sessions per user.
const DefaultMaxSessionsPerUser = 5

// DefaultIdleTimeout destroys a session with no child output after this long.
const DefaultIdleTimeout = 30 * time.Minute

// CreateOptions describe a session spawn.
type CreateOptions struct {
	UserID      string
	Cols, Rows  int
	File        string            // explicit executable; empty means shell
	Args        []string
	Shell       string            // shell override when File is empty
	Env         map[string]string // merged over the process environment
	Cwd         string
	IdleTimeout time.Duration // 0 means the manager default
	Runtime     string        // "" | "native" | RuntimeLinuxSubenv
	ExitHook    func(exitCode int)
}

// CreateResult is returned from Create.
type CreateResult struct {
	SessionID string
	Shell     string
}

// Manager owns the mapping from session id to live child process.
type Manager struct {
	logger      *logger.Logger
	maxPerUser  int
	defaultIdle time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager creates a PTY session manager. Zero values select the defaults.
func NewManager(log *logger.Logger, maxPerUser int, defaultIdle time.Duration) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxSessionsPerUser
	}
	if defaultIdle <= 0 {
		defaultIdle = DefaultIdleTimeout
	}
	return &Manager{
		logger:      log,
		maxPerUser:  maxPerUser,
		defaultIdle: defaultIdle,
		sessions:    make(map[string]*session),
	}
}

// Create spawns a child attached to a fresh PTY and registers the session.
func (m *Manager) Create(opts CreateOptions) (*CreateResult, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("create session: user id is required")
	}
	if m.countByUser(opts.UserID) >= m.maxPerUser {
		return nil, ErrSessionLimit
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd, shellDesc := buildCommand(opts)
	handle, err := startPTY(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = m.defaultIdle
	}

	now := time.Now()
	s := &session{
		id:           uuid.NewString(),
		userID:       opts.UserID,
		shell:        shellDesc,
		createdAt:    now,
		lastActivity: now,
		cmd:          cmd,
		handle:       handle,
		exitHook:     opts.ExitHook,
		taps:         make(map[string]func([]byte)),
		idleTimeout:  idle,
	}
	s.idleTimer = time.AfterFunc(idle, func() {
		m.logger.Warn("session idle timeout, destroying",
			zap.String("session_id", s.id),
			zap.Duration("idle_timeout", idle))
		m.DestroyWithExit(s.id, -1)
	})

	m.mu.Lock()
	// The cap was checked before the spawn; a concurrent create may have
	// taken the last slot since. Re-validate under the registration lock.
	if m.countByUserLocked(opts.UserID) >= m.maxPerUser {
		m.mu.Unlock()
		s.idleTimer.Stop()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = handle.Close()
		go waitProcess(cmd, handle)
		return nil, ErrSessionLimit
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	go m.readPump(s)
	go m.waitChild(s)

	m.logger.Info("pty session created",
		zap.String("session_id", s.id),
		zap.String("user_id", opts.UserID),
		zap.String("shell", shellDesc),
		zap.String("cwd", cmd.Dir))

	return &CreateResult{SessionID: s.id, Shell: shellDesc}, nil
}

// readPump streams child output: per chunk it touches the idle deadline,
// accounts scrollback, then delivers to the attached sink and every tap.
func (m *Manager) readPump(s *session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.mu.Lock()
			s.touchLocked(time.Now())
			s.appendScrollbackLocked(data)
			onData := s.onData
			taps := make([]func([]byte), 0, len(s.taps))
			for _, tap := range s.taps {
				taps = append(taps, tap)
			}
			s.mu.Unlock()

			if onData != nil {
				onData(data)
			}
			for _, tap := range taps {
				m.deliverTap(s.id, tap, data)
			}
		}
		if err != nil {
			return
		}
	}
}

// deliverTap shields the pump from a misbehaving tap.
func (m *Manager) deliverTap(sessionID string, tap func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("data tap panicked",
				zap.String("session_id", sessionID),
				zap.Any("panic", r))
		}
	}()
	tap(data)
}

// waitChild reaps the child and finalizes the session with its exit code.
func (m *Manager) waitChild(s *session) {
	code := waitProcess(s.cmd, s.handle)
	m.finalize(s, true, code)
}

// finalize purges the session exactly once, optionally emitting exit.
func (m *Manager) finalize(s *session, emitExit bool, exitCode int) {
	onExit, exitHook, ok := s.markExited()
	if !ok {
		return
	}

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	_ = s.handle.Close()

	if emitExit {
		if onExit != nil {
			onExit(exitCode)
		}
		if exitHook != nil {
			exitHook(exitCode)
		}
	}

	m.logger.Info("pty session closed",
		zap.String("session_id", s.id),
		zap.Int("exit_code", exitCode),
		zap.Bool("emit_exit", emitExit))
}

// Attach installs the interactive sink, replacing any previous one silently,
// and returns the scrollback snapshot for replay.
func (m *Manager) Attach(sessionID string, sinks Sinks) ([]byte, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.onData = sinks.OnData
	s.onExit = sinks.OnExit
	snapshot := make([]byte, len(s.scrollback))
	copy(snapshot, s.scrollback)
	s.mu.Unlock()
	return snapshot, nil
}

// Detach clears the interactive sink without touching the child.
// Idempotent on gone sessions.
func (m *Manager) Detach(sessionID string) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.onData = nil
	s.onExit = nil
	s.mu.Unlock()
}

// AddDataTap registers an auxiliary sink independent of the attachment and
// returns its tap id.
func (m *Manager) AddDataTap(sessionID string, tap func([]byte)) (string, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	tapID := uuid.NewString()
	s.mu.Lock()
	s.taps[tapID] = tap
	s.mu.Unlock()
	return tapID, nil
}

// RemoveDataTap deregisters a tap. Idempotent on gone sessions and tap ids.
func (m *Manager) RemoveDataTap(sessionID, tapID string) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.taps, tapID)
	s.mu.Unlock()
}

// Write sends input bytes to the child and counts as activity.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.touchLocked(time.Now())
	s.mu.Unlock()
	if _, err := s.handle.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", sessionID, err)
	}
	return nil
}

// Resize changes the PTY window size.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return s.handle.Resize(cols, rows)
}

// Interrupt delivers an interrupt to the child so interactive agents can
// wind down before a forced destroy.
func (m *Manager) Interrupt(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return sendInterrupt(s.cmd, s.handle)
}

// Destroy kills the child and purges the session without emitting an exit
// event. Idempotent on gone sessions.
func (m *Manager) Destroy(sessionID string) {
	m.destroy(sessionID, false, 0)
}

// DestroyWithExit kills the child and delivers the given synthetic exit code
// to the exit sinks. Idempotent on gone sessions.
func (m *Manager) DestroyWithExit(sessionID string, exitCode int) {
	m.destroy(sessionID, true, exitCode)
}

func (m *Manager) destroy(sessionID string, emitExit bool, exitCode int) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	if s.cmd.Process != nil {
		if err := terminateProcess(s.cmd.Process); err != nil {
			m.logger.Debug("terminate on destroy",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	m.finalize(s, emitExit, exitCode)
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// ListByUser returns the live sessions owned by the user.
func (m *Manager) ListByUser(userID string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Info
	for _, s := range m.sessions {
		if s.userID == userID {
			out = append(out, s.info())
		}
	}
	return out
}

// IsOwnedBy reports whether the session exists and belongs to the user.
func (m *Manager) IsOwnedBy(sessionID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return ok && s.userID == userID
}

// Has reports whether the session is live.
func (m *Manager) Has(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Size returns the number of live sessions.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) countByUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countByUserLocked(userID)
}

func (m *Manager) countByUserLocked(userID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.userID == userID {
			n++
		}
	}
	return n
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}
