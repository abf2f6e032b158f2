package guildxp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	DiscordSlashCommandRank        = "rank"
	DiscordSlashCommandTop         = "top"
	DiscordSlashCommandSetXP       = "set-xp"
	DiscordSlashCommandRoleRewards = "roles-rewards"

	topPageSize = 20
)

// applicationCommands returns the full slash command set the bot
// registers on startup.
func applicationCommands() []*discordgo.ApplicationCommand {
	manageGuild := int64(discordgo.PermissionManageServer)
	minLevel := float64(1)
	minAmount := float64(0)

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandRank,
			Description: "Show your (or another member's) XP level and rank",
			Type:        discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Member to look up (defaults to you)",
				},
			},
		},
		{
			Name:        DiscordSlashCommandTop,
			Description: "Show the XP leaderboard",
			Type:        discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "page",
					Description: "Leaderboard page (1-based)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "scope",
					Description: "Which leaderboard to show",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "server", Value: "server"},
						{Name: "global", Value: "global"},
					},
				},
			},
		},
		{
			Name:                     DiscordSlashCommandSetXP,
			Description:              "Set or add to a member's XP",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Member to edit",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "amount",
					Description: "XP amount",
					Required:    true,
					MinValue:    &minAmount,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "mode",
					Description: "Whether to add to or replace the current XP",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "set", Value: string(XPSetModeSet)},
						{Name: "add", Value: string(XPSetModeAdd)},
					},
				},
			},
		},
		{
			Name:                     DiscordSlashCommandRoleRewards,
			Description:              "Manage level-based role rewards",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "Reward a role at a level threshold",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "role",
							Description: "Role to grant",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "level",
							Description: "Level threshold",
							Required:    true,
							MinValue:    &minLevel,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "List configured role rewards",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "reload",
					Description: "Re-sync reward roles for every ranked member",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Remove a role reward",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "role",
							Description: "Role to stop rewarding",
							Required:    true,
						},
					},
				},
			},
		},
	}
}

type commandHandler struct {
	xp     *GuildXP
	logger *slog.Logger
}

func newCommandHandler(xp *GuildXP) *commandHandler {
	return &commandHandler{
		xp:     xp,
		logger: xp.logger.With(loggerNameKey, "commands"),
	}
}

// handle routes an application command interaction to its handler. Every
// path answers the interaction, even on failure.
func (h *commandHandler) handle(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := h.logger
	if ctxLogger, ok := ContextLogger(ctx); ok {
		logger = ctxLogger.With(loggerNameKey, "commands")
	}
	data := i.ApplicationCommandData()
	switch data.Name {
	case DiscordSlashCommandRank:
		h.handleRank(ctx, i, data)
	case DiscordSlashCommandTop:
		h.handleTop(ctx, i, data)
	case DiscordSlashCommandSetXP:
		h.handleSetXP(ctx, i, data)
	case DiscordSlashCommandRoleRewards:
		h.handleRoleRewards(ctx, i, data)
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
		h.replyText(ctx, i, "Unknown command.", true)
	}
}

func commandOptions(
	data discordgo.ApplicationCommandInteractionData,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(data.Options),
	)
	for _, opt := range data.Options {
		options[opt.Name] = opt
	}
	return options
}

func subOptions(
	opt *discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(opt.Options),
	)
	for _, sub := range opt.Options {
		options[sub.Name] = sub
	}
	return options
}

// commandScope resolves which leaderboard a guild command reads from.
func (h *commandHandler) commandScope(ctx context.Context, guildID string) Scope {
	settings := h.xp.guildSettings.Get(ctx, guildID)
	return settings.Scheme().Scope(guildID)
}

func (h *commandHandler) handleRank(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if i.GuildID == "" {
		h.replyText(ctx, i, "This command only works in a server.", true)
		return
	}
	target := interactionUser(i)
	options := commandOptions(data)
	if opt, ok := options["user"]; ok {
		if resolved, found := data.Resolved.Users[opt.Value.(string)]; found {
			target = resolved
		}
	}
	if target == nil {
		h.replyText(ctx, i, "Could not resolve that member.", true)
		return
	}

	settings := h.xp.guildSettings.Get(ctx, i.GuildID)
	scope := settings.Scheme().Scope(i.GuildID)
	reply, err := h.xp.rank.Build(ctx, scope, target)
	if err != nil {
		h.logger.ErrorContext(ctx, "error building rank reply", tint.Err(err))
		h.replyText(ctx, i, "Something went wrong looking up that rank.", true)
		return
	}
	h.reply(
		ctx, i, &discordgo.InteractionResponseData{
			Content: reply.Content,
			Embeds:  reply.Embeds,
			Files:   reply.Files,
			Flags:   ephemeralIf(settings.RankInDM),
		},
	)
}

func (h *commandHandler) handleTop(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if i.GuildID == "" {
		h.replyText(ctx, i, "This command only works in a server.", true)
		return
	}
	options := commandOptions(data)
	page := 1
	if opt, ok := options["page"]; ok {
		if v := opt.IntValue(); v > 0 {
			page = int(v)
		}
	}
	scope := h.commandScope(ctx, i.GuildID)
	if opt, ok := options["scope"]; ok {
		switch opt.StringValue() {
		case "global":
			scope = GlobalScope()
		case "server":
			scope = GuildScope(i.GuildID)
		}
	}

	records, err := h.xp.xpStore.GetTop(ctx, scope, page*topPageSize, nil)
	if err != nil {
		h.logger.ErrorContext(ctx, "error loading leaderboard", tint.Err(err))
		h.replyText(ctx, i, "Something went wrong loading the leaderboard.", true)
		return
	}
	start := (page - 1) * topPageSize
	if start >= len(records) {
		h.replyText(ctx, i, fmt.Sprintf("No entries on page %d.", page), true)
		return
	}
	records = records[start:]

	scheme := SchemeGlobal
	if !scope.IsGlobal() {
		scheme = h.xp.guildSettings.Get(ctx, i.GuildID).Scheme()
	}
	var sb strings.Builder
	for n, record := range records {
		info := CalcLevel(record.XP, scheme)
		fmt.Fprintf(
			&sb,
			"%d. <@%s> — level %d (%d XP)\n",
			start+n+1, record.UserID, info.Level, record.XP,
		)
	}
	title := "XP leaderboard"
	if scope.IsGlobal() {
		title = "Global XP leaderboard"
	}
	h.reply(
		ctx, i, &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       title,
					Description: sb.String(),
					Color:       0xffcf50,
					Footer: &discordgo.MessageEmbedFooter{
						Text: fmt.Sprintf("Page %d", page),
					},
				},
			},
		},
	)
}

// handleSetXP is the one flow where failures surface to the invoker: an
// explicit admin action gets an explicit error, where passive awards stay
// silent.
func (h *commandHandler) handleSetXP(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if i.GuildID == "" {
		h.replyText(ctx, i, "This command only works in a server.", true)
		return
	}
	options := commandOptions(data)
	userOpt, ok := options["user"]
	if !ok {
		h.replyText(ctx, i, "Missing user.", true)
		return
	}
	target, found := data.Resolved.Users[userOpt.Value.(string)]
	if !found {
		h.replyText(ctx, i, "Could not resolve that member.", true)
		return
	}
	if target.Bot {
		h.replyText(ctx, i, "Bots don't earn XP.", true)
		return
	}
	amount := options["amount"].IntValue()
	mode := XPSetModeSet
	if opt, hasMode := options["mode"]; hasMode {
		mode = XPSetMode(opt.StringValue())
	}

	settings := h.xp.guildSettings.Get(ctx, i.GuildID)
	scheme := settings.Scheme()
	if scheme == SchemeGlobal {
		// The shared leaderboard isn't editable from inside one guild.
		h.replyText(
			ctx, i,
			"This server uses the global XP scheme, which can't be edited here.",
			true,
		)
		return
	}
	scope := scheme.Scope(i.GuildID)
	var err error
	if amount == 0 && mode == XPSetModeSet {
		// Setting to zero deletes the row rather than storing a zero.
		err = h.xp.xpStore.RemoveUser(ctx, scope, target.ID)
	} else {
		err = h.xp.xpStore.SetXP(ctx, scope, target.ID, amount, mode)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "error setting xp", tint.Err(err))
		h.replyText(ctx, i, "Failed to update XP.", true)
		return
	}

	h.xp.xpCache.InvalidateScope(scope)
	notifyCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	h.xp.dbNotifier.XPCacheInvalidated(notifyCtx, scope)
	cancel()

	h.replyText(
		ctx, i,
		fmt.Sprintf("Updated XP for %s (%s %d).", target.Username, mode, amount),
		true,
	)
}

func (h *commandHandler) handleRoleRewards(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if i.GuildID == "" {
		h.replyText(ctx, i, "This command only works in a server.", true)
		return
	}
	if len(data.Options) == 0 {
		h.replyText(ctx, i, "Missing subcommand.", true)
		return
	}
	sub := data.Options[0]
	switch sub.Name {
	case "add":
		options := subOptions(sub)
		roleID := options["role"].Value.(string)
		level := options["level"].IntValue()
		_, err := h.xp.roleRewards.Add(ctx, i.GuildID, roleID, level)
		switch {
		case errors.Is(err, ErrRoleRewardLimit):
			h.replyText(ctx, i, "This server is at its role reward limit.", true)
		case errors.Is(err, ErrRoleRewardLevelExists):
			h.replyText(
				ctx, i,
				"A role reward is already configured for that level.",
				true,
			)
		case err != nil:
			h.logger.ErrorContext(ctx, "error adding role reward", tint.Err(err))
			h.replyText(ctx, i, "Failed to add that role reward.", true)
		default:
			h.replyText(
				ctx, i,
				fmt.Sprintf("<@&%s> will be granted at level %d.", roleID, level),
				true,
			)
		}
	case "list":
		rewards, err := h.xp.roleRewards.List(ctx, i.GuildID)
		if err != nil {
			h.logger.ErrorContext(ctx, "error listing role rewards", tint.Err(err))
			h.replyText(ctx, i, "Failed to list role rewards.", true)
			return
		}
		if len(rewards) == 0 {
			h.replyText(ctx, i, "No role rewards configured.", true)
			return
		}
		var sb strings.Builder
		for _, reward := range rewards {
			fmt.Fprintf(&sb, "Level %d: <@&%s>\n", reward.Level, reward.RoleID)
		}
		h.replyText(ctx, i, sb.String(), true)
	case "reload":
		changed, err := h.reloadRoleRewards(ctx, i.GuildID)
		if err != nil {
			h.logger.ErrorContext(ctx, "error reloading role rewards", tint.Err(err))
			h.replyText(ctx, i, "Failed to re-sync role rewards.", true)
			return
		}
		h.replyText(
			ctx, i,
			fmt.Sprintf("Re-synced reward roles (%d changes).", changed),
			true,
		)
	case "remove":
		roleID := subOptions(sub)["role"].Value.(string)
		rewards, err := h.xp.roleRewards.List(ctx, i.GuildID)
		if err != nil {
			h.logger.ErrorContext(ctx, "error listing role rewards", tint.Err(err))
			h.replyText(ctx, i, "Failed to remove that role reward.", true)
			return
		}
		var removed bool
		for _, reward := range rewards {
			if reward.RoleID != roleID {
				continue
			}
			if err = h.xp.roleRewards.Remove(ctx, i.GuildID, reward.ID); err != nil &&
				!errors.Is(err, gorm.ErrRecordNotFound) {
				h.logger.ErrorContext(ctx, "error removing role reward", tint.Err(err))
				h.replyText(ctx, i, "Failed to remove that role reward.", true)
				return
			}
			removed = true
		}
		if !removed {
			h.replyText(ctx, i, "That role has no reward configured.", true)
			return
		}
		h.replyText(ctx, i, fmt.Sprintf("<@&%s> is no longer rewarded.", roleID), true)
	default:
		h.replyText(ctx, i, "Unknown subcommand.", true)
	}
}

// reloadRoleRewards walks every ranked member in the guild's scope and
// reconciles their reward roles, revoking rewards whose threshold the
// member no longer meets. Members the bot can't resolve are skipped; the
// count reflects roles actually changed.
func (h *commandHandler) reloadRoleRewards(
	ctx context.Context,
	guildID string,
) (int, error) {
	scheme := h.xp.guildSettings.Get(ctx, guildID).Scheme()
	scope := scheme.Scope(guildID)
	records, err := h.xp.xpStore.GetTop(ctx, scope, 0, nil)
	if err != nil {
		return 0, err
	}
	var changed int
	for _, record := range records {
		level := CalcLevel(record.XP, scheme).Level
		changed += h.xp.roleRewards.SyncMember(
			ctx, guildID, record.UserID, level, true,
		)
	}
	return changed, nil
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

func ephemeralIf(ephemeral bool) discordgo.MessageFlags {
	if ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func (h *commandHandler) replyText(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	h.reply(
		ctx, i, &discordgo.InteractionResponseData{
			Content: content,
			Flags:   ephemeralIf(ephemeral),
		},
	)
}

func (h *commandHandler) reply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data *discordgo.InteractionResponseData,
) {
	err := h.xp.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
	if err != nil {
		h.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
			"command", i.ApplicationCommandData().Name,
		)
	}
}
