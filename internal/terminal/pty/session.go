package pty

import (
	"os/exec"
	"sync"
	"time"
)

// ScrollbackLimit caps the retained output tail replayed on attach.
const ScrollbackLimit = 64 * 1024

// Sinks are the callbacks of the single interactive attachment.
type Sinks struct {
	OnData func(data []byte)
	OnExit func(exitCode int)
}

// session is one live PTY-backed child process. All mutable fields are
// guarded by mu; the read pump and the wait goroutine are the only
// long-lived writers.
type session struct {
	id        string
	userID    string
	shell     string
	createdAt time.Time

	cmd    *exec.Cmd
	handle PtyHandle

	mu           sync.Mutex
	lastActivity time.Time
	scrollback   []byte
	onData       func([]byte)
	onExit       func(int)
	exitHook     func(int) // permanent observer, set at create
	taps         map[string]func([]byte)
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	exited       bool
}

// touch records activity and pushes the idle deadline out.
// Caller holds mu.
func (s *session) touchLocked(now time.Time) {
	s.lastActivity = now
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
}

// appendScrollbackLocked appends data and truncates from the head so the
// buffer stays a tail, never a window into the middle.
func (s *session) appendScrollbackLocked(data []byte) {
	s.scrollback = append(s.scrollback, data...)
	if over := len(s.scrollback) - ScrollbackLimit; over > 0 {
		s.scrollback = s.scrollback[over:]
	}
}

// markExited flips the session into its terminal state exactly once and
// returns the exit callbacks to invoke, or ok=false if already exited.
func (s *session) markExited() (onExit, exitHook func(int), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return nil, nil, false
	}
	s.exited = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	return s.onExit, s.exitHook, true
}

// Info is the public view of a live session.
type Info struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Shell        string    `json:"shell"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		UserID:       s.userID,
		Shell:        s.shell,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}
