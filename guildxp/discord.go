package guildxp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the bot's gateway connection: session lifecycle, event
// handler registration, slash command registration, and a local record of
// which guilds the bot is currently a member of.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	xp      *GuildXP

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	discordgoRemoveHandlerFuncs []func()

	mu      sync.RWMutex
	userID  string
	guildID map[string]bool
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	return &Discord{
		config:                      config,
		guildID:                     map[string]bool{},
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes the gateway session with the intents the XP
// pipeline needs: guild metadata, members, and message content.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent
	if d.config.GatewayIntents != 0 {
		disc.Identify.Intents = d.config.GatewayIntents
	}
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) botUserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userID
}

// InGuild reports whether the bot is currently a member of the guild.
func (d *Discord) InGuild(guildID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.guildID[guildID]
}

func (d *Discord) GuildMember(guildID string, userID string) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID)
}

func (d *Discord) GuildRoles(guildID string) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID)
}

func (d *Discord) GuildMemberEdit(
	guildID string,
	userID string,
	params *discordgo.GuildMemberParams,
) (*discordgo.Member, error) {
	return d.session.GuildMemberEdit(guildID, userID, params)
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	send *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSendComplex(channelID, send, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.mu.Lock()
		d.userID = r.User.ID
		d.mu.Unlock()
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		connectCt := d.metricConnects.Add(1)
		d.logger.Info("connected to discord gateway", "connect_count", connectCt)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		disconnectCt := d.metricDisconnects.Add(1)
		d.logger.Warn(
			"disconnected from discord gateway",
			"disconnect_count", disconnectCt,
		)
	}
}

func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		d.mu.Lock()
		d.guildID[g.ID] = true
		d.mu.Unlock()
		d.logger.Debug("guild available", "guild_id", g.ID, "name", g.Name)
	}
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Unavailable {
			// Outage, not a removal. Keep the guild on the roster.
			return
		}
		d.mu.Lock()
		delete(d.guildID, g.ID)
		d.mu.Unlock()
		d.logger.Info("removed from guild", "guild_id", g.ID)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// registerCommands bulk-overwrites the bot's global application commands.
func (d *Discord) registerCommands(ctx context.Context) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	commands := applicationCommands()
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return nil, fmt.Errorf("error registering commands: %w", err)
	}
	names := make([]string, 0, len(registered))
	for _, cmd := range registered {
		names = append(names, cmd.Name)
	}
	d.logger.InfoContext(ctx, "registered application commands", "commands", names)
	return registered, nil
}

// DiscordSessionHandler is the subset of discordgo session operations the
// bot uses. It exists so tests can substitute a stub session.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate opens (or returns an existing) DM channel with
	// the given user.
	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildMemberEdit(
		guildID string,
		userID string,
		params *discordgo.GuildMemberParams,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildRoles(
		guildID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Role, error)

	Guild(
		guildID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Guild, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) GuildMemberEdit(
	guildID string,
	userID string,
	params *discordgo.GuildMemberParams,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMemberEdit(guildID, userID, params, opts...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, opts...)
}

func (d DiscordSession) Guild(
	guildID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	err := d.session.InteractionRespond(interaction, resp, options...)
	if err != nil {
		d.logger.Error("error responding to interaction", tint.Err(err))
	}
	return err
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponseEdit(interaction, newresp, options...)
	if err != nil {
		d.logger.Error("error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

var _ DiscordSessionHandler = (*DiscordSession)(nil)
