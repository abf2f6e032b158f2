package guildxp

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t testing.TB) *XPStore {
	t.Helper()
	db := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewXPStore(NewDatabase(db, logger, false), logger)
}

func TestSetXPAddAndSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	scope := GuildScope("guild-1")

	// Missing row
	_, found, err := store.GetXP(ctx, scope, "user-1")
	require.NoError(t, err)
	assert.False(t, found)

	// Insert via add
	require.NoError(t, store.SetXP(ctx, scope, "user-1", 10, XPSetModeAdd))
	xp, found, err := store.GetXP(ctx, scope, "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), xp)

	// Add accumulates
	require.NoError(t, store.SetXP(ctx, scope, "user-1", 5, XPSetModeAdd))
	xp, _, err = store.GetXP(ctx, scope, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), xp)

	// Set replaces
	require.NoError(t, store.SetXP(ctx, scope, "user-1", 100, XPSetModeSet))
	xp, _, err = store.GetXP(ctx, scope, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), xp)

	// Non-positive add is a no-op
	require.NoError(t, store.SetXP(ctx, scope, "user-1", 0, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, scope, "user-1", -5, XPSetModeAdd))
	xp, _, err = store.GetXP(ctx, scope, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), xp)

	// Unknown mode is rejected
	assert.Error(t, store.SetXP(ctx, scope, "user-1", 1, XPSetMode("bogus")))
}

func TestSetXPScopeIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(
		t, store.SetXP(ctx, GuildScope("guild-1"), "user-1", 10, XPSetModeAdd),
	)
	require.NoError(
		t, store.SetXP(ctx, GlobalScope(), "user-1", 25, XPSetModeAdd),
	)

	xp, found, err := store.GetXP(ctx, GuildScope("guild-1"), "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), xp)

	xp, found, err = store.GetXP(ctx, GlobalScope(), "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(25), xp)
}

func TestRemoveUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	scope := GuildScope("guild-1")

	require.NoError(t, store.SetXP(ctx, scope, "user-1", 10, XPSetModeAdd))
	require.NoError(t, store.RemoveUser(ctx, scope, "user-1"))

	_, found, err := store.GetXP(ctx, scope, "user-1")
	require.NoError(t, err)
	assert.False(t, found)

	// Removing an absent row is not an error
	require.NoError(t, store.RemoveUser(ctx, scope, "user-1"))
}

func TestGetTopOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	scope := GuildScope("guild-1")

	require.NoError(t, store.SetXP(ctx, scope, "low", 10, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, scope, "high", 300, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, scope, "mid", 100, XPSetModeAdd))

	top, err := store.GetTop(ctx, scope, 0, nil)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "high", top[0].UserID)
	assert.Equal(t, "mid", top[1].UserID)
	assert.Equal(t, "low", top[2].UserID)

	top, err = store.GetTop(ctx, scope, 2, nil)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	// Restricted to a member set
	top, err = store.GetTop(ctx, scope, 0, []string{"low", "mid"})
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "mid", top[0].UserID)
}

func TestGetRank(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	scope := GuildScope("guild-1")

	require.NoError(t, store.SetXP(ctx, scope, "first", 300, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, scope, "second", 200, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, scope, "tied", 200, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, scope, "last", 50, XPSetModeAdd))

	rank, found, err := store.GetRank(ctx, scope, "first", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), rank.Rank)
	assert.Equal(t, int64(300), rank.XP)

	// Ties share a rank
	rank, found, err = store.GetRank(ctx, scope, "second", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), rank.Rank)

	rank, found, err = store.GetRank(ctx, scope, "tied", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), rank.Rank)

	rank, found, err = store.GetRank(ctx, scope, "last", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4), rank.Rank)

	_, found, err = store.GetRank(ctx, scope, "nobody", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBannedRowsExcluded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	scope := GuildScope("guild-1")

	require.NoError(t, store.SetXP(ctx, scope, "cheater", 9999, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, scope, "honest", 100, XPSetModeAdd))
	require.NoError(t, store.SetBanned(ctx, scope, "cheater", true))

	// Banned user vanishes from reads
	_, found, err := store.GetXP(ctx, scope, "cheater")
	require.NoError(t, err)
	assert.False(t, found)

	top, err := store.GetTop(ctx, scope, 0, nil)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "honest", top[0].UserID)

	// And stops displacing everyone else's rank
	rank, found, err := store.GetRank(ctx, scope, "honest", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), rank.Rank)

	count, err := store.Count(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Unban restores the row with its XP intact
	require.NoError(t, store.SetBanned(ctx, scope, "cheater", false))
	xp, found, err := store.GetXP(ctx, scope, "cheater")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(9999), xp)
}

func TestTotalGlobalXP(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	total, err := store.TotalGlobalXP(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, store.SetXP(ctx, GlobalScope(), "a", 100, XPSetModeAdd))
	require.NoError(t, store.SetXP(ctx, GlobalScope(), "b", 250, XPSetModeAdd))
	// Guild-scoped XP doesn't count
	require.NoError(
		t, store.SetXP(ctx, GuildScope("guild-1"), "a", 500, XPSetModeAdd),
	)

	total, err = store.TotalGlobalXP(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(350), total)
}

func TestWatchedUserIDs(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dbi := NewDatabase(db, logger, false)
	store := NewXPStore(dbi, logger)

	ids, err := store.WatchedUserIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = dbi.Create(ctx, &WatchedUser{UserID: "user-1", Reason: "spam"})
	require.NoError(t, err)
	_, err = dbi.Create(ctx, &WatchedUser{UserID: "user-2"})
	require.NoError(t, err)

	ids, err = store.WatchedUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"user-1": true, "user-2": true}, ids)
}

func TestStoreUnavailable(t *testing.T) {
	assert.False(t, storeUnavailable(nil))
	assert.False(t, storeUnavailable(gorm.ErrRecordNotFound))
	assert.True(t, storeUnavailable(gorm.ErrInvalidDB))
	assert.True(t, storeUnavailable(sql.ErrConnDone))
	assert.True(t, storeUnavailable(errors.New("sql: database is closed")))
	assert.True(t, storeUnavailable(errors.New("dial tcp: connection refused")))
}
