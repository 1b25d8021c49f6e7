package sessionpool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLeases struct {
	leased map[string]bool // userID + ":" + sessionKey
}

func (f *fakeLeases) IsLeased(userID, sessionKey string) bool {
	return f.leased[userID+":"+sessionKey]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestDeriveSessionKey(t *testing.T) {
	key := DeriveSessionKey("claude-code", "", "/home/dev/repo")
	parts := 0
	for _, c := range key {
		if c == ':' {
			parts++
		}
	}
	assert.Equal(t, 2, parts)
	assert.Contains(t, key, "claude-code:continue:")
	assert.Len(t, key, len("claude-code:continue:")+10)

	withResume := DeriveSessionKey("codex", "conv-9", "/home/dev/repo")
	assert.Contains(t, withResume, "codex:conv-9:")

	// Deterministic and path-sensitive.
	assert.Equal(t, key, DeriveSessionKey("claude-code", "", "/home/dev/repo"))
	assert.NotEqual(t, key, DeriveSessionKey("claude-code", "", "/home/dev/other"))
}

func TestUpsertDerivesKeyAndRefreshes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row, err := store.Upsert(ctx, "u1", UpsertInput{
		RepoPath: "/home/dev/repo",
		AgentID:  "claude-code",
		Mode:     ModeContinue,
		Title:    "first",
	})
	require.NoError(t, err)
	assert.Equal(t, DeriveSessionKey("claude-code", "", "/home/dev/repo"), row.SessionKey)
	assert.Equal(t, "managed", row.Source)

	again, err := store.Upsert(ctx, "u1", UpsertInput{
		RepoPath: "/home/dev/repo",
		AgentID:  "claude-code",
		Mode:     ModeContinue,
		Title:    "renamed",
	})
	require.NoError(t, err)
	assert.Equal(t, row.SessionKey, again.SessionKey)
	assert.Equal(t, "renamed", again.Title)

	list, err := store.List(ctx, "u1", ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1, "upsert must not duplicate the unique key")
}

func TestUpsertValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "", UpsertInput{AgentID: "codex", Mode: ModeContinue})
	assert.Error(t, err)

	_, err = store.Upsert(ctx, "u1", UpsertInput{Mode: ModeContinue})
	assert.Error(t, err)

	_, err = store.Upsert(ctx, "u1", UpsertInput{AgentID: "codex", Mode: "replay"})
	assert.Error(t, err)

	_, err = store.Upsert(ctx, "u1", UpsertInput{AgentID: "codex", Mode: ModeResume})
	assert.Error(t, err, "resume mode requires a conversation id")
}

func TestListFiltersAndLeaseAnnotation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.Upsert(ctx, "u1", UpsertInput{
		RepoPath: "/repo/a", AgentID: "claude-code", Mode: ModeContinue,
	})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "u1", UpsertInput{
		RepoPath: "/repo/b", AgentID: "codex", Mode: ModeResume, ResumeConversationID: "conv-1",
	})
	require.NoError(t, err)

	store.SetLeaseView(&fakeLeases{leased: map[string]bool{"u1:" + a.SessionKey: true}})

	all, err := store.List(ctx, "u1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	byAgent, err := store.List(ctx, "u1", ListFilter{AgentID: "claude-code"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.True(t, byAgent[0].Leased)

	byRepo, err := store.List(ctx, "u1", ListFilter{RepoPath: "/repo/b"})
	require.NoError(t, err)
	require.Len(t, byRepo, 1)
	assert.False(t, byRepo[0].Leased)

	other, err := store.List(ctx, "u2", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDeleteAndClearRefuseLeased(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row, err := store.Upsert(ctx, "u1", UpsertInput{
		RepoPath: "/repo/a", AgentID: "claude-code", Mode: ModeContinue,
	})
	require.NoError(t, err)

	store.SetLeaseView(&fakeLeases{leased: map[string]bool{"u1:" + row.SessionKey: true}})
	assert.ErrorIs(t, store.Delete(ctx, "u1", row.SessionKey), ErrLeased)
	assert.ErrorIs(t, store.Clear(ctx, "u1"), ErrLeased)

	store.SetLeaseView(&fakeLeases{leased: map[string]bool{}})
	require.NoError(t, store.Delete(ctx, "u1", row.SessionKey))

	list, err := store.List(ctx, "u1", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}
