package guildxp

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettingsCache(t testing.TB) *GuildSettingsCache {
	t.Helper()
	db := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGuildSettingsCache(NewDatabase(db, logger, false), logger)
}

func TestStringList(t *testing.T) {
	list := StringList{"1", "2", "3"}
	assert.True(t, list.Contains("2"))
	assert.False(t, list.Contains("4"))

	value, err := list.Value()
	require.NoError(t, err)

	var decoded StringList
	require.NoError(t, decoded.Scan(value))
	assert.Equal(t, list, decoded)

	var empty StringList
	require.NoError(t, empty.Scan(""))
	assert.Nil(t, empty)
	require.NoError(t, empty.Scan(nil))
	assert.Nil(t, empty)

	assert.Error(t, empty.Scan(42))
}

func TestGuildSettingsDefaults(t *testing.T) {
	settings := DefaultGuildSettings("guild-1")
	assert.Equal(t, "guild-1", settings.GuildID)
	assert.False(t, settings.EnableXP, "xp is opt-in")
	assert.Equal(t, SchemeGlobal, settings.Scheme())
	assert.Equal(t, 1.0, settings.Rate())
	assert.Equal(t, LevelUpChannelAny, settings.LevelUpChannel)
	assert.Equal(t, 10, settings.RoleRewardsMaxNumber)
}

func TestGuildSettingsSchemeFallback(t *testing.T) {
	settings := GuildSettings{XPType: XPScheme("nonsense")}
	assert.Equal(t, SchemeGlobal, settings.Scheme())

	settings.XPType = SchemeMee6
	assert.Equal(t, SchemeMee6, settings.Scheme())
}

func TestGuildSettingsRateClamped(t *testing.T) {
	assert.Equal(t, 1.0, GuildSettings{XPRate: 0}.Rate())
	assert.Equal(t, 1.0, GuildSettings{XPRate: 0.05}.Rate())
	assert.Equal(t, 0.5, GuildSettings{XPRate: 0.5}.Rate())
	assert.Equal(t, 3.0, GuildSettings{XPRate: 5.0}.Rate())
}

func TestGuildSettingsCacheGetSave(t *testing.T) {
	ctx := context.Background()
	cache := newTestSettingsCache(t)

	// Missing row yields defaults
	settings := cache.Get(ctx, "guild-1")
	assert.False(t, settings.EnableXP)
	assert.Equal(t, "guild-1", settings.GuildID)

	settings.EnableXP = true
	settings.XPType = SchemeMee6
	settings.XPRate = 2.0
	require.NoError(t, cache.Save(ctx, settings))

	loaded := cache.Get(ctx, "guild-1")
	assert.True(t, loaded.EnableXP)
	assert.Equal(t, SchemeMee6, loaded.XPType)
	assert.Equal(t, 2.0, loaded.XPRate)

	// Save is an upsert
	loaded.XPRate = 1.5
	require.NoError(t, cache.Save(ctx, loaded))
	assert.Equal(t, 1.5, cache.Get(ctx, "guild-1").XPRate)
}

func TestGuildSettingsCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := newTestSettingsCache(t)

	settings := DefaultGuildSettings("guild-1")
	settings.EnableXP = true
	require.NoError(t, cache.Save(ctx, settings))

	// Mutate the stored row behind the cache's back
	var stored GuildSettings
	require.NoError(
		t,
		cache.db.DB().Where("guild_id = ?", "guild-1").Take(&stored).Error,
	)
	stored.EnableXP = false
	require.NoError(t, cache.db.DB().Save(&stored).Error)

	// Cached value is still served
	assert.True(t, cache.Get(ctx, "guild-1").EnableXP)

	// Until invalidated
	cache.Invalidate("guild-1")
	assert.False(t, cache.Get(ctx, "guild-1").EnableXP)
}

func TestGuildSettingsCacheInvalidateAll(t *testing.T) {
	ctx := context.Background()
	cache := newTestSettingsCache(t)

	for _, guildID := range []string{"guild-1", "guild-2"} {
		settings := DefaultGuildSettings(guildID)
		settings.EnableXP = true
		require.NoError(t, cache.Save(ctx, settings))
	}
	cache.InvalidateAll()

	cache.mu.RLock()
	defer cache.mu.RUnlock()
	assert.Empty(t, cache.settings)
}

func TestGuildsWithDecay(t *testing.T) {
	ctx := context.Background()
	cache := newTestSettingsCache(t)

	withDecay := DefaultGuildSettings("guild-1")
	withDecay.XPType = SchemeLocal
	withDecay.XPDecay = 25
	require.NoError(t, cache.Save(ctx, withDecay))

	noDecay := DefaultGuildSettings("guild-2")
	require.NoError(t, cache.Save(ctx, noDecay))

	guilds, err := cache.GuildsWithDecay(ctx)
	require.NoError(t, err)
	require.Len(t, guilds, 1)
	assert.Equal(t, "guild-1", guilds[0].GuildID)
	assert.Equal(t, int64(25), guilds[0].XPDecay)
}
