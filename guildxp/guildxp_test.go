package guildxp

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestGuildXP assembles a bot backed by a temp SQLite database and a
// stub Discord session, without opening a gateway connection.
func newTestGuildXP(t testing.TB) (*GuildXP, *stubSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"
	cfg.Discord.WatchChannelID = "watch-channel"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	x := &GuildXP{
		config:                        cfg,
		logger:                        logger,
		xpCache:                       NewXPCache(),
		runCtx:                        context.Background(),
		startedAt:                     time.Now(),
		triggerXPCacheInvalidateCh:    make(chan Scope, 32),
		triggerGuildSettingsRefreshCh: make(chan string, 32),
	}

	db := setupTestDB(t)
	x.db = db
	x.writeDB = NewDatabase(db, logger, false)

	stub := &stubSession{
		members:     map[string]*discordgo.Member{},
		dmChannelID: "dm-channel",
	}
	x.discord = &Discord{
		config:  cfg.Discord,
		logger:  logger,
		xp:      x,
		session: stub,
		guildID: map[string]bool{},
	}

	x.guildSettings = NewGuildSettingsCache(x.writeDB, logger)
	x.xpStore = NewXPStore(x.writeDB, logger)
	x.roleRewards = newRoleRewardSync(x)
	x.awardEngine = newAwardEngine(x)
	x.decay = newDecayScheduler(x)
	x.rank = newRankPresenter(x, nil)
	x.commands = newCommandHandler(x)

	notifier, err := newDBNotifier(x)
	require.NoError(t, err)
	x.dbNotifier = notifier

	return x, stub
}

func testMessage(guildID, userID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			GuildID:   guildID,
			ChannelID: "chan-1",
			Type:      discordgo.MessageTypeDefault,
			Content:   content,
			Author: &discordgo.User{
				ID:       userID,
				Username: "tester",
			},
		},
	}
}

func TestRenderLevelUpMessage(t *testing.T) {
	user := &discordgo.User{ID: "42", Username: "somebody"}
	out := renderLevelUpMessage(
		"GG {user}, {username} reached level {level}!",
		user,
		7,
	)
	assert.Equal(t, "GG <@42>, somebody reached level 7!", out)
}

func TestAnnounceLevelUpDestinations(t *testing.T) {
	ctx := context.Background()

	t.Run("same channel", func(t *testing.T) {
		x, stub := newTestGuildXP(t)
		m := testMessage("guild-1", "user-1", "hello")
		x.announceLevelUp(ctx, m, GuildSettings{LevelUpChannel: LevelUpChannelAny}, 3)
		require.Len(t, stub.sentMessages, 1)
		assert.Contains(t, stub.sentMessages[0], "level 3")
		assert.Contains(t, stub.sentMessages[0], "<@user-1>")
	})

	t.Run("none stays silent", func(t *testing.T) {
		x, stub := newTestGuildXP(t)
		m := testMessage("guild-1", "user-1", "hello")
		x.announceLevelUp(ctx, m, GuildSettings{LevelUpChannel: LevelUpChannelNone}, 3)
		assert.Empty(t, stub.sentMessages)
		assert.Empty(t, stub.sentEmbeds)
	})

	t.Run("dm sends embed", func(t *testing.T) {
		x, stub := newTestGuildXP(t)
		m := testMessage("guild-1", "user-1", "hello")
		x.announceLevelUp(ctx, m, GuildSettings{LevelUpChannel: LevelUpChannelDM}, 3)
		require.Len(t, stub.sentEmbeds, 1)
		assert.Contains(t, stub.sentEmbeds[0].Description, "level 3")
	})

	t.Run("custom template", func(t *testing.T) {
		x, stub := newTestGuildXP(t)
		m := testMessage("guild-1", "user-1", "hello")
		x.announceLevelUp(
			ctx,
			m,
			GuildSettings{
				LevelUpChannel: LevelUpChannelAny,
				LevelUpMessage: "{username} hit {level}",
			},
			9,
		)
		require.Len(t, stub.sentMessages, 1)
		assert.Equal(t, "tester hit 9", stub.sentMessages[0])
	})
}

func TestWatchInvalidations(t *testing.T) {
	x, _ := newTestGuildXP(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		x.watchInvalidations(ctx)
		close(done)
	}()

	scope := GuildScope("guild-1")
	x.xpCache.Put(scope, "user-1", time.Now().Unix(), 100)
	require.True(t, x.xpCache.ScopeLoaded(scope))

	x.guildSettings.Get(ctx, "guild-1")

	x.triggerXPCacheInvalidateCh <- scope
	x.triggerGuildSettingsRefreshCh <- "guild-1"

	assert.Eventually(
		t,
		func() bool { return !x.xpCache.ScopeLoaded(scope) },
		time.Second,
		10*time.Millisecond,
	)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchInvalidations did not stop")
	}
}
