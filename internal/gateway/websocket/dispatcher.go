// Package websocket multiplexes terminal, agent and pipeline operations over
// one duplex JSON socket per client.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/agent/command"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/pipeline"
	"github.com/camdev/cam/internal/session"
	"github.com/camdev/cam/internal/terminal/pty"
)

// Dispatcher owns the /ws endpoint.
type Dispatcher struct {
	logger   *logger.Logger
	sessions *session.Manager
	engine   *pipeline.Engine
	bus      bus.EventBus
}

// NewDispatcher creates the WebSocket dispatcher.
func NewDispatcher(sessions *session.Manager, engine *pipeline.Engine, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   log.WithFields(zap.String("component", "ws_dispatcher")),
		sessions: sessions,
		engine:   engine,
		bus:      eventBus,
	}
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Localhost and same-origin are allowed.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		if !strings.Contains(host, "]") || colonIdx > strings.Index(host, "]") {
			host = host[:colonIdx]
		}
	}
	return originURL.Hostname() == host
}

// HandleWS upgrades the connection and runs the client loop. Identity comes
// from query parameters; authentication is out of scope here.
func (d *Dispatcher) HandleWS(c *gin.Context) {
	user := session.User{ID: c.Query("userId"), Username: c.Query("username")}
	if user.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	d.logger.Info("websocket connected",
		zap.String("user_id", user.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	cl := &client{
		d:        d,
		conn:     conn,
		user:     user,
		attached: make(map[string]bool),
	}
	cl.run(c.Request.Context())
}

// client is one connected socket.
type client struct {
	d    *Dispatcher
	conn *gorillaws.Conn
	user session.User

	writeMu sync.Mutex
	closed  bool

	mu       sync.Mutex
	attached map[string]bool
}

// send writes one frame; gorilla allows a single concurrent writer.
func (c *client) send(f *Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	if err := c.conn.WriteJSON(f); err != nil {
		c.d.logger.Debug("websocket write failed",
			zap.String("user_id", c.user.ID), zap.Error(err))
	}
}

func (c *client) sendError(op, sessionID string, err error) {
	c.send(&Frame{Type: TypeError, Op: op, SessionID: sessionID, Message: err.Error()})
}

// run reads frames until disconnect. The step-completed subscription drives
// pipeline advancement for this user's pipelines.
func (c *client) run(ctx context.Context) {
	sub, err := c.d.bus.Subscribe(events.SubjectPipelineSteps, c.onStepCompleted)
	if err != nil {
		c.d.logger.Warn("step event subscribe failed", zap.Error(err))
	}

	defer func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		// Detach, never destroy: sessions outlive their sockets.
		c.mu.Lock()
		ids := make([]string, 0, len(c.attached))
		for id := range c.attached {
			ids = append(ids, id)
		}
		c.attached = make(map[string]bool)
		c.mu.Unlock()
		for _, id := range ids {
			c.d.sessions.PTY().Detach(id)
		}

		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		_ = c.conn.Close()

		c.d.logger.Info("websocket disconnected", zap.String("user_id", c.user.ID))
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				c.d.logger.Debug("websocket read error",
					zap.String("user_id", c.user.ID), zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "", fmt.Errorf("malformed frame: %w", err))
			continue
		}
		c.handle(ctx, &frame)
	}
}

func (c *client) handle(ctx context.Context, f *Frame) {
	switch f.Type {
	case TypePing:
		c.send(&Frame{Type: TypePong})
	case TypeCreate:
		c.handleCreate(f)
	case TypeAttach:
		c.handleAttach(f)
	case TypeInput:
		c.handleInput(f)
	case TypeResize:
		c.handleResize(f)
	case TypeDestroy:
		c.handleDestroy(f)
	case TypeList:
		c.send(&Frame{Type: TypeSessions, Terminals: c.d.sessions.PTY().ListByUser(c.user.ID)})
	case TypeAgentCreate:
		c.handleAgentCreate(ctx, f)
	case TypeAgentCancel:
		c.handleAgentCancel(f)
	case TypeAgentList:
		c.send(&Frame{Type: TypeAgentSessions, AgentSessions: c.d.sessions.GetSessionSummaries(c.user.ID)})
	case TypePipelineCreate:
		c.handlePipelineCreate(ctx, f)
	case TypePipelineCancel:
		c.handlePipelineCancel(f)
	case TypePipelinePause:
		c.handlePipelinePause(f)
	case TypePipelineResume:
		c.handlePipelineResume(ctx, f)
	default:
		c.sendError(f.Type, "", fmt.Errorf("unknown frame type %q", f.Type))
	}
}

// owned rejects session ids the socket's user does not own.
func (c *client) owned(op, sessionID string) bool {
	if sessionID == "" || !c.d.sessions.PTY().IsOwnedBy(sessionID, c.user.ID) {
		c.sendError(op, sessionID, fmt.Errorf("session %s not found", sessionID))
		return false
	}
	return true
}

func (c *client) handleCreate(f *Frame) {
	res, err := c.d.sessions.PTY().Create(ptyCreateOptions(c.user.ID, f))
	if err != nil {
		c.sendError(f.Type, "", err)
		return
	}
	c.send(&Frame{Type: TypeCreated, SessionID: res.SessionID, Shell: res.Shell})
}

func (c *client) handleAttach(f *Frame) {
	if !c.owned(f.Type, f.SessionID) {
		return
	}
	sessionID := f.SessionID
	snapshot, err := c.d.sessions.PTY().Attach(sessionID, ptySinks(c, sessionID))
	if err != nil {
		c.sendError(f.Type, sessionID, err)
		return
	}
	c.mu.Lock()
	c.attached[sessionID] = true
	c.mu.Unlock()
	if len(snapshot) > 0 {
		c.send(&Frame{Type: TypeOutput, SessionID: sessionID, Data: string(snapshot)})
	}
}

func (c *client) handleInput(f *Frame) {
	if !c.owned(f.Type, f.SessionID) {
		return
	}
	if err := c.d.sessions.PTY().Write(f.SessionID, []byte(f.Data)); err != nil {
		c.sendError(f.Type, f.SessionID, err)
	}
}

func (c *client) handleResize(f *Frame) {
	if !c.owned(f.Type, f.SessionID) {
		return
	}
	if f.Cols <= 0 || f.Rows <= 0 {
		c.sendError(f.Type, f.SessionID, fmt.Errorf("invalid dimensions %dx%d", f.Cols, f.Rows))
		return
	}
	if err := c.d.sessions.PTY().Resize(f.SessionID, uint16(f.Cols), uint16(f.Rows)); err != nil {
		c.sendError(f.Type, f.SessionID, err)
	}
}

func (c *client) handleDestroy(f *Frame) {
	if !c.owned(f.Type, f.SessionID) {
		return
	}
	c.d.sessions.PTY().Destroy(f.SessionID)
	c.mu.Lock()
	delete(c.attached, f.SessionID)
	c.mu.Unlock()
}

func (c *client) handleAgentCreate(ctx context.Context, f *Frame) {
	meta, err := c.d.sessions.CreateAgentSession(ctx, c.user, session.CreateOptions{
		AgentID:              f.AgentID,
		Prompt:               f.Prompt,
		Mode:                 command.Mode(f.Mode),
		ResumeConversationID: f.ResumeConversationID,
		RepoURL:              f.RepoURL,
		WorkDir:              f.WorkDir,
		Cols:                 f.Cols,
		Rows:                 f.Rows,
		Title:                f.Title,
	})
	if err != nil {
		c.sendError(f.Type, "", err)
		return
	}
	c.send(&Frame{Type: TypeAgentCreated, SessionID: meta.SessionID, Session: meta})
}

func (c *client) handleAgentCancel(f *Frame) {
	meta := c.d.sessions.GetMeta(f.SessionID)
	if meta == nil || meta.UserID != c.user.ID {
		c.sendError(f.Type, f.SessionID, fmt.Errorf("agent session %s not found", f.SessionID))
		return
	}
	if err := c.d.sessions.CancelAgentSession(f.SessionID); err != nil {
		c.sendError(f.Type, f.SessionID, err)
		return
	}
	c.send(&Frame{Type: TypeAgentStatus, SessionID: f.SessionID, Session: c.d.sessions.GetMeta(f.SessionID)})
}

func (c *client) handlePipelineCreate(ctx context.Context, f *Frame) {
	if f.Pipeline == nil {
		c.sendError(f.Type, "", fmt.Errorf("pipeline options are required"))
		return
	}
	p, _, err := c.d.engine.CreatePipeline(ctx, c.user, *f.Pipeline)
	if err != nil {
		c.sendError(f.Type, "", err)
		return
	}
	created := stepFrame(p, 0)
	created.Type = TypePipelineCreated
	c.send(created)
}

// ownedPipeline resolves the pipeline and enforces ownership.
func (c *client) ownedPipeline(op, pipelineID string) *pipeline.Pipeline {
	p := c.d.engine.GetPipeline(pipelineID)
	if p == nil || p.UserID != c.user.ID {
		c.sendError(op, "", fmt.Errorf("pipeline %s not found", pipelineID))
		return nil
	}
	return p
}

func (c *client) handlePipelineCancel(f *Frame) {
	if c.ownedPipeline(f.Type, f.PipelineID) == nil {
		return
	}
	if err := c.d.engine.CancelPipeline(f.PipelineID); err != nil {
		c.sendError(f.Type, "", err)
		return
	}
	p := c.d.engine.GetPipeline(f.PipelineID)
	c.send(stepFrame(p, p.CurrentStepIndex))
}

func (c *client) handlePipelinePause(f *Frame) {
	if err := c.d.engine.PausePipeline(f.PipelineID, c.user.ID); err != nil {
		c.sendError(f.Type, "", err)
		return
	}
	c.send(&Frame{Type: TypePipelinePaused, PipelineID: f.PipelineID})
}

func (c *client) handlePipelineResume(ctx context.Context, f *Frame) {
	launched, err := c.d.engine.ResumePipeline(ctx, f.PipelineID, c.user)
	if err != nil {
		c.sendError(f.Type, "", err)
		return
	}
	c.send(&Frame{Type: TypePipelineResumed, PipelineID: f.PipelineID})
	c.afterAdvance(f.PipelineID, launched)
}

// onStepCompleted reacts to the engine's step event: report the completed
// step and advance the pipeline when it is this user's.
func (c *client) onStepCompleted(ctx context.Context, ev *bus.Event) error {
	userID, _ := ev.Data["userId"].(string)
	pipelineID, _ := ev.Data["pipelineId"].(string)
	if userID != c.user.ID || pipelineID == "" {
		return nil
	}

	if p := c.d.engine.GetPipeline(pipelineID); p != nil {
		c.send(stepFrame(p, p.CurrentStepIndex))
	}

	launched, err := c.d.engine.AdvancePipeline(ctx, pipelineID, c.user)
	if err != nil {
		// Paused pipelines and races with cancellation end up here.
		c.d.logger.Debug("pipeline not advanced",
			zap.String("pipeline_id", pipelineID), zap.Error(err))
		return nil
	}
	c.afterAdvance(pipelineID, launched)
	return nil
}

// afterAdvance reports the outcome of an advancement: the next step running,
// or the whole pipeline completed.
func (c *client) afterAdvance(pipelineID string, launched []*session.AgentSession) {
	p := c.d.engine.GetPipeline(pipelineID)
	if p == nil {
		return
	}
	if p.Status == pipeline.StatusCompleted {
		c.send(&Frame{Type: TypePipelineCompleted, PipelineID: pipelineID,
			PipelineStatus: string(p.Status)})
		return
	}
	if len(launched) > 0 {
		c.send(stepFrame(p, p.CurrentStepIndex))
	}
}

// ptyCreateOptions maps a create frame onto the PTY manager's options.
func ptyCreateOptions(userID string, f *Frame) pty.CreateOptions {
	return pty.CreateOptions{
		UserID: userID,
		Cols:   f.Cols,
		Rows:   f.Rows,
		File:   f.File,
		Args:   f.Args,
		Shell:  f.Shell,
		Env:    f.Env,
		Cwd:    f.Cwd,
	}
}

// ptySinks builds the attach sinks streaming to this socket.
func ptySinks(c *client, sessionID string) pty.Sinks {
	return pty.Sinks{
		OnData: func(data []byte) {
			c.send(&Frame{Type: TypeOutput, SessionID: sessionID, Data: string(data)})
		},
		OnExit: func(exitCode int) {
			code := exitCode
			c.send(&Frame{Type: TypeExited, SessionID: sessionID, ExitCode: &code})
			c.mu.Lock()
			delete(c.attached, sessionID)
			c.mu.Unlock()
		},
	}
}
