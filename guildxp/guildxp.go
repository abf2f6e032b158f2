// Package guildxp implements a Discord XP/leveling bot: messages earn
// members experience points under per-guild scoring schemes, levels
// unlock role rewards, and leaderboards are served through slash
// commands and an admin HTTP API.
package guildxp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via:
// -ldflags "-X github.com/guildxp/guildxp/guildxp.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLevelUpMessages = []string{
	"GG {user}, you just advanced to **level {level}**!",
	"Level up! {user} is now **level {level}**.",
	"{username} reached **level {level}**. Keep it up!",
}

// GuildXP is the top-level bot: it owns the database, the Discord
// connection, the award pipeline, and the admin API, and wires gateway
// events into them.
type GuildXP struct {
	config *Config
	logger *slog.Logger

	db         *gorm.DB
	writeDB    DBI
	dbNotifier DBNotifier

	discord *Discord
	api     *API

	xpCache       *XPCache
	xpStore       *XPStore
	guildSettings *GuildSettingsCache
	awardEngine   *AwardEngine
	roleRewards   *RoleRewardSync
	decay         *DecayScheduler
	rank          *RankPresenter
	commands      *commandHandler

	// runCtx is the lifetime context handed to gateway event handlers.
	runCtx context.Context

	triggerXPCacheInvalidateCh    chan Scope
	triggerGuildSettingsRefreshCh chan string

	startedAt time.Time
}

// New validates the given config and assembles an un-started bot. Call
// Run to connect and serve.
func New(config *Config) (*GuildXP, error) {
	if config == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(logger)

	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.logger = slog.New(
		newLogHandler(config.Discord.LogLevel),
	).With(loggerNameKey, "discord")

	xp := &GuildXP{
		config:                        config,
		logger:                        logger,
		discord:                       discord,
		xpCache:                       NewXPCache(),
		triggerXPCacheInvalidateCh:    make(chan Scope, 32),
		triggerGuildSettingsRefreshCh: make(chan string, 32),
	}
	discord.xp = xp
	return xp, nil
}

// Run starts the bot and blocks until ctx is canceled or a component
// fails: initializes storage, loads caches, connects to the gateway,
// registers commands, and starts the decay scheduler and admin API.
func (x *GuildXP) Run(ctx context.Context) error {
	x.startedAt = time.Now()
	x.runCtx = ctx

	startupCtx, startupCancel := context.WithTimeout(ctx, x.config.StartupTimeout)
	defer startupCancel()

	if err := x.initStorage(startupCtx); err != nil {
		return err
	}

	x.guildSettings = NewGuildSettingsCache(x.writeDB, x.logger)
	x.xpStore = NewXPStore(x.writeDB, x.logger)
	x.roleRewards = newRoleRewardSync(x)
	x.awardEngine = newAwardEngine(x)
	x.decay = newDecayScheduler(x)
	x.rank = newRankPresenter(x, nil)
	x.commands = newCommandHandler(x)

	notifier, err := newDBNotifier(x)
	if err != nil {
		return err
	}
	x.dbNotifier = notifier

	if x.config.API.Enabled {
		api, apiErr := newAPI(x, x.config.API)
		if apiErr != nil {
			return apiErr
		}
		x.api = api
	}

	// Warm the global scope and watch-list. Failures here aren't fatal:
	// both reload lazily.
	if loadErr := x.awardEngine.loadScope(startupCtx, GlobalScope()); loadErr != nil {
		x.logger.WarnContext(startupCtx, "global xp cache not preloaded", tint.Err(loadErr))
	}
	if watchErr := x.awardEngine.ReloadWatchList(startupCtx); watchErr != nil {
		x.logger.WarnContext(startupCtx, "watch-list not loaded", tint.Err(watchErr))
	}

	if err = x.connectDiscord(startupCtx); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)

	if x.api != nil {
		g.Go(
			func() error {
				x.logger.Info("starting admin api", "listen", x.config.API.Listen)
				return x.api.Serve(groupCtx)
			},
		)
	}
	g.Go(
		func() error {
			x.decay.Watch(groupCtx)
			return nil
		},
	)
	g.Go(
		func() error {
			x.watchInvalidations(groupCtx)
			return nil
		},
	)
	if x.config.DatabaseType == dbTypePostgres {
		for _, channel := range []string{
			x.dbNotifier.XPCacheChannelName(),
			x.dbNotifier.GuildSettingsChannelName(),
		} {
			channel := channel
			g.Go(
				func() error {
					return x.dbNotifier.Listen(groupCtx, channel)
				},
			)
		}
	}
	g.Go(
		func() error {
			<-groupCtx.Done()
			x.shutdown()
			return groupCtx.Err()
		},
	)

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Canceled from outside: a clean shutdown, not a failure.
		return nil
	}
	return err
}

func (x *GuildXP) initStorage(ctx context.Context) error {
	db, err := CreateDB(ctx, x.config.DatabaseType, x.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	x.db = db
	x.writeDB = NewDatabase(
		db,
		x.logger,
		x.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

func (x *GuildXP) connectDiscord(ctx context.Context) error {
	session, err := x.discord.newSession()
	if err != nil {
		return err
	}
	x.discord.session = session

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(x.config.Discord.DiscordGoLogLevel),
	)

	x.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(x.discord.handlerReady()),
		session.AddHandler(x.discord.handlerConnect()),
		session.AddHandler(x.discord.handlerDisconnect()),
		session.AddHandler(x.discord.handlerGuildCreate()),
		session.AddHandler(x.discord.handlerGuildDelete()),
		session.AddHandler(x.handlerMessageCreate()),
		session.AddHandler(x.handlerInteractionCreate()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}

	if _, err = x.discord.registerCommands(ctx); err != nil {
		return err
	}
	if status := x.config.Discord.CustomStatus; status != "" {
		if statusErr := x.discord.updateCustomStatus(status); statusErr != nil {
			x.logger.WarnContext(ctx, "error setting custom status", tint.Err(statusErr))
		}
	}
	return nil
}

func (x *GuildXP) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		x.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range x.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if x.discord.session != nil {
		if err := x.discord.session.Close(); err != nil {
			x.logger.Error("error closing discord session", tint.Err(err))
		}
	}
	if x.api != nil {
		if err := x.api.Shutdown(shutdownCtx); err != nil {
			x.logger.Error("error shutting down api", tint.Err(err))
		}
	}
	x.logger.Info("shutdown complete")
}

// watchInvalidations applies cache invalidation and settings refresh
// signals, whether they came from this process or (via the notifier)
// another instance.
func (x *GuildXP) watchInvalidations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case scope := <-x.triggerXPCacheInvalidateCh:
			x.xpCache.InvalidateScope(scope)
			x.logger.Info("invalidated xp cache", "scope", scope)
		case guildID := <-x.triggerGuildSettingsRefreshCh:
			if guildID == "" {
				x.guildSettings.InvalidateAll()
			} else {
				x.guildSettings.Invalidate(guildID)
			}
			x.logger.Info("refreshed guild settings", "guild_id", guildID)
		}
	}
}

func (x *GuildXP) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		ctx := WithLogger(
			x.runCtx,
			x.logger.With("message_id", m.ID, "guild_id", m.GuildID),
		)
		go x.awardEngine.HandleMessage(ctx, m)
	}
}

func (x *GuildXP) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		ctx := WithLogger(
			x.runCtx,
			x.logger.With("interaction_id", i.ID, "guild_id", i.GuildID),
		)
		go x.commands.handle(ctx, i)
	}
}

// announceLevelUp sends the guild's level-up notification for the member
// who just leveled, honoring the configured destination and template.
// Failures log and return; a notification never blocks an award.
func (x *GuildXP) announceLevelUp(
	ctx context.Context,
	m *discordgo.MessageCreate,
	settings GuildSettings,
	level int64,
) {
	template := settings.LevelUpMessage
	if template == "" {
		template = defaultLevelUpMessages[rand.Intn(len(defaultLevelUpMessages))]
	}
	text := renderLevelUpMessage(template, m.Author, level)

	send := &discordgo.MessageSend{Content: text}
	if settings.LevelUpSilent {
		send.Flags = discordgo.MessageFlagsSuppressNotifications
	}

	var channelID string
	switch settings.LevelUpChannel {
	case LevelUpChannelNone:
		return
	case "", LevelUpChannelAny:
		channelID = m.ChannelID
	case LevelUpChannelDM:
		dm, err := x.discord.session.UserChannelCreate(m.Author.ID)
		if err != nil {
			x.logger.WarnContext(ctx, "error opening dm channel", tint.Err(err))
			return
		}
		channelID = dm.ID
		// A DM needs context the guild channel already carries.
		send.Content = ""
		send.Embeds = []*discordgo.MessageEmbed{
			{
				Title:       "Level up!",
				Description: text,
				Color:       0xffd700,
				Footer: &discordgo.MessageEmbedFooter{
					Text: fmt.Sprintf("Sent from guild %s", m.GuildID),
				},
			},
		}
	default:
		channelID = settings.LevelUpChannel
	}

	if err := x.discord.channelMessageSend(channelID, send); err != nil {
		x.logger.WarnContext(
			ctx,
			"error sending level-up notification",
			tint.Err(err),
			"channel_id", channelID,
			"guild_id", m.GuildID,
		)
	}
}

func renderLevelUpMessage(template string, user *discordgo.User, level int64) string {
	r := strings.NewReplacer(
		"{user}", user.Mention(),
		"{username}", user.Username,
		"{level}", strconv.FormatInt(level, 10),
	)
	return r.Replace(template)
}
