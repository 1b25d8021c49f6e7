// Package sessionpool is the durable per-user registry of reusable agent
// conversations. Rows are keyed by (user_id, session_key); the live leased
// flag is computed against the engine's running pipelines, never stored.
package sessionpool

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/camdev/cam/internal/platform"
)

// ErrLeased is returned when deleting or clearing rows a live pipeline
// currently leases.
var ErrLeased = errors.New("session is leased by a live pipeline")

// Mode selects how a pooled conversation is reopened.
type Mode string

const (
	ModeResume   Mode = "resume"
	ModeContinue Mode = "continue"
)

// Row is one reusable conversation.
type Row struct {
	UserID               string    `json:"userId" db:"user_id"`
	SessionKey           string    `json:"sessionKey" db:"session_key"`
	RepoPath             string    `json:"repoPath" db:"repo_path"`
	AgentID              string    `json:"agentId" db:"agent_id"`
	Mode                 Mode      `json:"mode" db:"mode"`
	ResumeConversationID string    `json:"resumeConversationId,omitempty" db:"resume_conversation_id"`
	Source               string    `json:"source" db:"source"` // managed | external
	Title                string    `json:"title,omitempty" db:"title"`
	CreatedAt            time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time `json:"updatedAt" db:"updated_at"`
}

// ListedRow is a Row annotated with its live lease state.
type ListedRow struct {
	Row
	Leased bool `json:"leased"`
}

// UpsertInput describes an upsert; SessionKey is derived when empty.
type UpsertInput struct {
	SessionKey           string
	RepoPath             string
	AgentID              string
	Mode                 Mode
	ResumeConversationID string
	Source               string
	Title                string
}

// ListFilter narrows List results.
type ListFilter struct {
	RepoPath string
	AgentID  string
}

// LeaseView answers whether a live running/paused pipeline of the user has
// a managed lease on the key. Implemented by the pipeline engine.
type LeaseView interface {
	IsLeased(userID, sessionKey string) bool
}

// noLeases is the default LeaseView before the engine is wired in.
type noLeases struct{}

func (noLeases) IsLeased(string, string) bool { return false }

// DeriveSessionKey builds the deterministic pool key:
// <agentId>:<resumeConversationId|"continue">:<10-hex prefix of SHA-1(repoPath)>.
func DeriveSessionKey(agentID string, resumeConversationID, repoPath string) string {
	mid := resumeConversationID
	if mid == "" {
		mid = string(ModeContinue)
	}
	sum := sha1.Sum([]byte(platform.NormalizePath(repoPath)))
	return agentID + ":" + mid + ":" + hex.EncodeToString(sum[:])[:10]
}

// Store persists pool rows over sqlx.
type Store struct {
	db     *sqlx.DB
	leases LeaseView
}

// NewStore creates the pool store and its schema.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, leases: noLeases{}}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize session pool schema: %w", err)
	}
	return s, nil
}

// SetLeaseView wires the live lease source. Called once at startup after
// the engine exists.
func (s *Store) SetLeaseView(v LeaseView) {
	if v != nil {
		s.leases = v
	}
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS terminal_session_pool (
		user_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		resume_conversation_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'managed',
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, session_key)
	)`)
	return err
}

// Upsert inserts the row or refreshes an existing one, bumping updated_at.
func (s *Store) Upsert(ctx context.Context, userID string, in UpsertInput) (*Row, error) {
	if userID == "" {
		return nil, fmt.Errorf("upsert pool row: user id is required")
	}
	if in.AgentID == "" {
		return nil, fmt.Errorf("upsert pool row: agent id is required")
	}
	if in.Mode != ModeResume && in.Mode != ModeContinue {
		return nil, fmt.Errorf("upsert pool row: unknown mode %q", in.Mode)
	}
	if in.Mode == ModeResume && in.ResumeConversationID == "" {
		return nil, fmt.Errorf("upsert pool row: resume mode needs a conversation id")
	}

	key := in.SessionKey
	if key == "" {
		key = DeriveSessionKey(in.AgentID, in.ResumeConversationID, in.RepoPath)
	}
	source := in.Source
	if source == "" {
		source = "managed"
	}

	now := time.Now().UTC()
	row := &Row{
		UserID:               userID,
		SessionKey:           key,
		RepoPath:             platform.NormalizePath(in.RepoPath),
		AgentID:              in.AgentID,
		Mode:                 in.Mode,
		ResumeConversationID: in.ResumeConversationID,
		Source:               source,
		Title:                in.Title,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO terminal_session_pool
			(user_id, session_key, repo_path, agent_id, mode, resume_conversation_id, source, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, session_key) DO UPDATE SET
			repo_path = excluded.repo_path,
			agent_id = excluded.agent_id,
			mode = excluded.mode,
			resume_conversation_id = excluded.resume_conversation_id,
			source = excluded.source,
			title = excluded.title,
			updated_at = excluded.updated_at
	`), row.UserID, row.SessionKey, row.RepoPath, row.AgentID, row.Mode,
		row.ResumeConversationID, row.Source, row.Title, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert pool row %s: %w", key, err)
	}
	return s.Get(ctx, userID, key)
}

// Get fetches one row.
func (s *Store) Get(ctx context.Context, userID, sessionKey string) (*Row, error) {
	row := &Row{}
	err := s.db.GetContext(ctx, row, s.db.Rebind(`
		SELECT user_id, session_key, repo_path, agent_id, mode, resume_conversation_id, source, title, created_at, updated_at
		FROM terminal_session_pool WHERE user_id = ? AND session_key = ?
	`), userID, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("pool row %s not found: %w", sessionKey, err)
	}
	return row, nil
}

// List returns the user's rows, optionally filtered, annotated with the live
// leased flag.
func (s *Store) List(ctx context.Context, userID string, filter ListFilter) ([]*ListedRow, error) {
	query := `
		SELECT user_id, session_key, repo_path, agent_id, mode, resume_conversation_id, source, title, created_at, updated_at
		FROM terminal_session_pool WHERE user_id = ?`
	args := []any{userID}
	if filter.RepoPath != "" {
		query += ` AND repo_path = ?`
		args = append(args, platform.NormalizePath(filter.RepoPath))
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	query += ` ORDER BY updated_at DESC`

	var rows []*Row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list pool rows: %w", err)
	}

	out := make([]*ListedRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, &ListedRow{
			Row:    *row,
			Leased: s.leases.IsLeased(userID, row.SessionKey),
		})
	}
	return out, nil
}

// Delete removes one row, refusing while it is leased.
func (s *Store) Delete(ctx context.Context, userID, sessionKey string) error {
	if s.leases.IsLeased(userID, sessionKey) {
		return ErrLeased
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM terminal_session_pool WHERE user_id = ? AND session_key = ?
	`), userID, sessionKey)
	if err != nil {
		return fmt.Errorf("delete pool row %s: %w", sessionKey, err)
	}
	return nil
}

// Clear removes all of the user's rows, refusing if any is leased.
func (s *Store) Clear(ctx context.Context, userID string) error {
	rows, err := s.List(ctx, userID, ListFilter{})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Leased {
			return ErrLeased
		}
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM terminal_session_pool WHERE user_id = ?
	`), userID)
	if err != nil {
		return fmt.Errorf("clear pool rows: %w", err)
	}
	return nil
}
