//go:build !windows

package pty

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/common/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewManager(log, 5, time.Minute)
}

// collector buffers tapped or attached output for assertions.
type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) sink(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(data)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCreateAttachStreamsOutputAndExit(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(CreateOptions{
		UserID: "u1",
		File:   "/bin/sh",
		Args:   []string{"-c", "printf pipeline-output"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, "/bin/sh", res.Shell)

	var out collector
	exitCh := make(chan int, 1)
	_, err = m.Attach(res.SessionID, Sinks{
		OnData: out.sink,
		OnExit: func(code int) { exitCh <- code },
	})
	require.NoError(t, err)

	select {
	case code := <-exitCh:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	waitFor(t, time.Second, func() bool {
		return strings.Contains(out.String(), "pipeline-output")
	})
	assert.False(t, m.Has(res.SessionID), "session must be purged after exit")
}

func TestAttachReplaysScrollback(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
	require.NoError(t, err)
	defer m.Destroy(res.SessionID)

	var tap collector
	tapID, err := m.AddDataTap(res.SessionID, tap.sink)
	require.NoError(t, err)
	defer m.RemoveDataTap(res.SessionID, tapID)

	require.NoError(t, m.Write(res.SessionID, []byte("hello-scrollback\n")))
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(tap.String(), "hello-scrollback")
	})

	// A late attach must replay what the tap already saw.
	snapshot, err := m.Attach(res.SessionID, Sinks{})
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), "hello-scrollback")
}

func TestPerUserSessionCap(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
		require.NoError(t, err)
		ids = append(ids, res.SessionID)
	}

	_, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
	assert.ErrorIs(t, err, ErrSessionLimit)

	// Another user is unaffected.
	res, err := m.Create(CreateOptions{UserID: "u2", File: "/bin/cat"})
	require.NoError(t, err)
	ids = append(ids, res.SessionID)

	for _, id := range ids {
		m.Destroy(id)
	}
	waitFor(t, 2*time.Second, func() bool { return m.Size() == 0 })
}

func TestPerUserSessionCapUnderConcurrentCreates(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	m := NewManager(log, 2, time.Minute)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	ids := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
			results <- err
			if err == nil {
				ids <- res.SessionID
			}
		}()
	}
	wg.Wait()
	close(results)
	close(ids)

	created, limited := 0, 0
	for err := range results {
		if err == nil {
			created++
			continue
		}
		require.ErrorIs(t, err, ErrSessionLimit)
		limited++
	}
	assert.Equal(t, 2, created, "racing creates must never overshoot the cap")
	assert.Equal(t, attempts-2, limited)
	assert.Len(t, m.ListByUser("u1"), 2)

	for id := range ids {
		m.Destroy(id)
	}
	waitFor(t, 2*time.Second, func() bool { return m.Size() == 0 })
}

func TestDestroyIsIdempotentAndSilent(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
	require.NoError(t, err)

	exited := make(chan int, 1)
	_, err = m.Attach(res.SessionID, Sinks{OnExit: func(code int) { exited <- code }})
	require.NoError(t, err)

	m.Destroy(res.SessionID)
	m.Destroy(res.SessionID)

	select {
	case <-exited:
		t.Fatal("plain destroy must not emit exit")
	case <-time.After(200 * time.Millisecond):
	}
	assert.False(t, m.Has(res.SessionID))
}

func TestDestroyWithExitEmitsSyntheticCode(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
	require.NoError(t, err)

	exited := make(chan int, 1)
	_, err = m.Attach(res.SessionID, Sinks{OnExit: func(code int) { exited <- code }})
	require.NoError(t, err)

	m.DestroyWithExit(res.SessionID, -1)

	select {
	case code := <-exited:
		assert.Equal(t, -1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit not emitted")
	}
}

func TestExitHookFiresWithoutAttachment(t *testing.T) {
	m := newTestManager(t)

	exited := make(chan int, 1)
	_, err := m.Create(CreateOptions{
		UserID:   "u1",
		File:     "/bin/sh",
		Args:     []string{"-c", "exit 42"},
		ExitHook: func(code int) { exited <- code },
	})
	require.NoError(t, err)

	select {
	case code := <-exited:
		assert.Equal(t, 42, code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit hook not invoked")
	}
}

func TestIdleTimeoutDestroysWithMinusOne(t *testing.T) {
	m := newTestManager(t)

	exited := make(chan int, 1)
	res, err := m.Create(CreateOptions{
		UserID:      "u1",
		File:        "/bin/cat",
		IdleTimeout: 100 * time.Millisecond,
		ExitHook:    func(code int) { exited <- code },
	})
	require.NoError(t, err)

	select {
	case code := <-exited:
		assert.Equal(t, -1, code)
	case <-time.After(3 * time.Second):
		t.Fatal("idle timeout did not fire")
	}
	assert.False(t, m.Has(res.SessionID))
}

func TestDetachKeepsChildAlive(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
	require.NoError(t, err)
	defer m.Destroy(res.SessionID)

	var out collector
	_, err = m.Attach(res.SessionID, Sinks{OnData: out.sink})
	require.NoError(t, err)

	m.Detach(res.SessionID)
	assert.True(t, m.Has(res.SessionID))

	// Reattach still works and sees subsequent output.
	var again collector
	_, err = m.Attach(res.SessionID, Sinks{OnData: again.sink})
	require.NoError(t, err)
	require.NoError(t, m.Write(res.SessionID, []byte("after-reattach\n")))
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(again.String(), "after-reattach")
	})
}

func TestPanickingTapDoesNotKillPump(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
	require.NoError(t, err)
	defer m.Destroy(res.SessionID)

	_, err = m.AddDataTap(res.SessionID, func([]byte) { panic("boom") })
	require.NoError(t, err)

	var good collector
	_, err = m.AddDataTap(res.SessionID, good.sink)
	require.NoError(t, err)

	require.NoError(t, m.Write(res.SessionID, []byte("still-flowing\n")))
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(good.String(), "still-flowing")
	})
}

func TestOwnership(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(CreateOptions{UserID: "u1", File: "/bin/cat"})
	require.NoError(t, err)
	defer m.Destroy(res.SessionID)

	assert.True(t, m.IsOwnedBy(res.SessionID, "u1"))
	assert.False(t, m.IsOwnedBy(res.SessionID, "u2"))
	assert.False(t, m.IsOwnedBy("missing", "u1"))

	list := m.ListByUser("u1")
	require.Len(t, list, 1)
	assert.Equal(t, res.SessionID, list[0].ID)
	assert.Empty(t, m.ListByUser("u2"))
}

func TestScrollbackIsTailBounded(t *testing.T) {
	m := newTestManager(t)

	// Emit well past the limit, then check the tail survives.
	res, err := m.Create(CreateOptions{
		UserID: "u1",
		File:   "/bin/sh",
		Args:   []string{"-c", `head -c 100000 /dev/zero | tr '\0' 'a'; printf TAIL-MARKER; sleep 30`},
	})
	require.NoError(t, err)
	defer m.Destroy(res.SessionID)

	waitFor(t, 5*time.Second, func() bool {
		snap, err := m.Attach(res.SessionID, Sinks{})
		return err == nil && strings.Contains(string(snap), "TAIL-MARKER")
	})

	snap, err := m.Attach(res.SessionID, Sinks{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snap), ScrollbackLimit)
	assert.True(t, strings.HasSuffix(string(snap), "TAIL-MARKER"))
	assert.NotContains(t, string(snap[:10]), "TAIL", "buffer must be a tail, truncated from the head")
}
