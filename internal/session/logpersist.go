package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/task/models"
	"github.com/camdev/cam/internal/task/repository"
	"github.com/camdev/cam/internal/terminal/logbuf"
)

// persister mirrors one PTY's output into task_log rows: a data tap splits
// chunks into lines, a 1s flusher batch-inserts them.
type persister struct {
	manager   *Manager
	sessionID string
	taskID    string
	tapID     string

	mu            sync.Mutex
	pending       []string
	partial       string
	dropped       int
	flushInFlight bool
	stopped       bool

	stopCh  chan struct{}
	drained chan struct{}
}

// startPersistence taps the PTY and starts the flush loop.
func (m *Manager) startPersistence(sessionID, taskID string) error {
	p := &persister{
		manager:   m,
		sessionID: sessionID,
		taskID:    taskID,
		stopCh:    make(chan struct{}),
		drained:   make(chan struct{}),
	}

	tapID, err := m.pty.AddDataTap(sessionID, p.onChunk)
	if err != nil {
		return err
	}
	p.tapID = tapID

	m.mu.Lock()
	m.persisters[sessionID] = p
	m.mu.Unlock()

	go p.loop()
	return nil
}

// stopPersistence deregisters the tap and returns the drain channel, closed
// once the final forced flush is done. Safe to call for unknown sessions.
func (m *Manager) stopPersistence(sessionID string) <-chan struct{} {
	m.mu.Lock()
	p, ok := m.persisters[sessionID]
	if ok {
		delete(m.persisters, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}

	m.pty.RemoveDataTap(sessionID, p.tapID)
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	close(p.stopCh)
	return p.drained
}

// waitForDrain blocks until the session's log buffer is flushed or the
// timeout passes.
func (m *Manager) waitForDrain(sessionID string, timeout time.Duration) bool {
	m.mu.Lock()
	p, ok := m.persisters[sessionID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-p.drained:
		return true
	case <-time.After(timeout):
		return false
	}
}

// hasPendingFlush reports whether buffered lines are still waiting.
func (m *Manager) hasPendingFlush(sessionID string) bool {
	m.mu.Lock()
	p, ok := m.persisters[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0 || p.partial != "" || p.flushInFlight
}

// onChunk is the PTY data tap: split into lines, append with the
// drop-oldest bound.
func (p *persister) onChunk(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	lines, partial := logbuf.SplitChunk(p.partial, string(data))
	p.partial = partial
	for _, line := range lines {
		p.pending, p.dropped = logbuf.AppendLine(p.pending, p.dropped, line, logbuf.MaxLineLen, logbuf.MaxPending)
	}
}

func (p *persister) loop() {
	ticker := time.NewTicker(logbuf.FlushIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush(false)
		case <-p.stopCh:
			p.flush(true)
			close(p.drained)
			return
		}
	}
}

// flush persists buffered lines. One batch per tick; a forced flush drains
// everything including the trailing partial.
func (p *persister) flush(force bool) {
	log := p.manager.logger

	p.mu.Lock()
	if p.flushInFlight && !force {
		p.mu.Unlock()
		return
	}
	if force {
		// Wait out an in-flight tick flush so the drain sees its result.
		for p.flushInFlight {
			p.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			p.mu.Lock()
		}
		if p.partial != "" {
			p.pending, p.dropped = logbuf.AppendLine(p.pending, p.dropped, p.partial, logbuf.MaxLineLen, logbuf.MaxPending)
			p.partial = ""
		}
	}
	if len(p.pending) == 0 {
		if p.dropped > 0 {
			log.Warn("terminal log lines dropped",
				zap.String("task_id", p.taskID),
				zap.Int("dropped", p.dropped))
			p.dropped = 0
		}
		p.mu.Unlock()
		return
	}
	p.flushInFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.flushInFlight = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A concurrently deleted task would reject every insert; drop silently.
	exists, err := p.manager.tasks.TaskExists(ctx, p.taskID)
	if err != nil {
		log.Warn("task existence check failed, keeping log buffer",
			zap.String("task_id", p.taskID), zap.Error(err))
		return
	}
	if !exists {
		p.discard()
		return
	}

	for {
		p.mu.Lock()
		n := len(p.pending)
		if n == 0 {
			p.mu.Unlock()
			return
		}
		if n > logbuf.BatchSize {
			n = logbuf.BatchSize
		}
		batch := make([]string, n)
		copy(batch, p.pending[:n])
		p.mu.Unlock()

		rows := make([]*models.TaskLogLine, len(batch))
		now := time.Now().UTC()
		for i, line := range batch {
			rows[i] = &models.TaskLogLine{TaskID: p.taskID, Line: line, CreatedAt: now}
		}
		if err := p.manager.tasks.InsertLogLines(ctx, rows); err != nil {
			if errorsIsFK(err) {
				p.discard()
				return
			}
			log.Warn("terminal log flush failed, will retry",
				zap.String("task_id", p.taskID), zap.Error(err))
			return
		}

		p.mu.Lock()
		p.pending = p.pending[n:]
		p.mu.Unlock()

		if !force {
			return
		}
	}
}

func (p *persister) discard() {
	p.mu.Lock()
	p.pending = nil
	p.partial = ""
	p.dropped = 0
	p.mu.Unlock()
}

func errorsIsFK(err error) bool {
	return errors.Is(err, repository.ErrForeignKey)
}
