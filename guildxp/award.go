package guildxp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	// minimalMessageSize is the minimum cleaned-content length for a
	// message to earn XP under content-driven schemes.
	minimalMessageSize = 5

	// spamCharRatio rejects a message when any single character makes up
	// more than this share of the content.
	spamCharRatio = 0.20

	xpPerChar       = 0.11
	maxXPPerMessage = 70

	mee6MinPoints = 15
	mee6MaxPoints = 25
)

var (
	customEmojiPattern = regexp.MustCompile(`<a?(:\w+:)\d+>`)
	urlPattern         = regexp.MustCompile(`((?:http|www)[^\s]+)`)
)

// AwardEngine decides, for each inbound guild message, whether the author
// earns XP, and by how much. It owns the per-scope award cooldown state
// (via XPCache) and the cheat watch-list.
//
// A storage failure that indicates the database is unreachable disables
// the engine for the rest of the process lifetime rather than serving
// partial data.
type AwardEngine struct {
	xp     *GuildXP
	logger *slog.Logger

	cache    *XPCache
	store    *XPStore
	settings *GuildSettingsCache

	enabled atomic.Bool

	watchMu sync.RWMutex
	watched map[string]bool

	// watchLimiter throttles watch-list notifications so a flagged user
	// in a busy channel can't flood the review channel.
	watchLimiter *rate.Limiter

	randIntn func(n int) int
}

func newAwardEngine(xp *GuildXP) *AwardEngine {
	e := &AwardEngine{
		xp:           xp,
		logger:       xp.logger.With(loggerNameKey, "award_engine"),
		cache:        xp.xpCache,
		store:        xp.xpStore,
		settings:     xp.guildSettings,
		watched:      map[string]bool{},
		watchLimiter: rate.NewLimiter(rate.Every(10*time.Second), 5),
		randIntn:     rand.Intn,
	}
	e.enabled.Store(true)
	return e
}

// Enabled reports whether the engine is still awarding XP. It flips to
// false permanently when storage becomes unreachable.
func (e *AwardEngine) Enabled() bool {
	return e.enabled.Load()
}

func (e *AwardEngine) disable(ctx context.Context, err error) {
	if e.enabled.CompareAndSwap(true, false) {
		e.logger.ErrorContext(
			ctx,
			"storage unreachable, disabling XP awards",
			tint.Err(err),
		)
	}
}

// ReloadWatchList replaces the in-memory cheat watch-list from storage.
func (e *AwardEngine) ReloadWatchList(ctx context.Context) error {
	watched, err := e.store.WatchedUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("error loading watch-list: %w", err)
	}
	e.watchMu.Lock()
	e.watched = watched
	e.watchMu.Unlock()
	e.logger.InfoContext(ctx, "reloaded xp watch-list", "count", len(watched))
	return nil
}

func (e *AwardEngine) isWatched(userID string) bool {
	e.watchMu.RLock()
	defer e.watchMu.RUnlock()
	return e.watched[userID]
}

// HandleMessage runs the award pipeline for one inbound message. Checks
// are ordered cheapest-first and short-circuit: author/guild eligibility,
// per-guild settings, cooldown, content filters, then point computation
// and the storage write. Errors never propagate to the gateway dispatch
// path.
func (e *AwardEngine) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if !e.Enabled() {
		return
	}
	logger := e.logger
	if ctxLogger, ok := ContextLogger(ctx); ok {
		logger = ctxLogger.With(loggerNameKey, "award_engine")
	}
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply {
		return
	}
	if m.GuildID == "" {
		return
	}

	settings := e.settings.Get(ctx, m.GuildID)
	if !settings.EnableXP {
		return
	}
	if e.blockedByNoXP(settings, m) {
		return
	}

	scheme := settings.Scheme()
	scope := scheme.Scope(m.GuildID)
	now := time.Now()

	if !e.cache.ScopeLoaded(scope) {
		if err := e.loadScope(ctx, scope); err != nil {
			return
		}
	}

	entry, inCache := e.cache.Get(scope, m.Author.ID)
	if inCache && now.Unix()-entry.LastAwardUnix < int64(scheme.Cooldown().Seconds()) {
		return
	}

	content := cleanMessageContent(m)
	points := e.messagePoints(scheme, settings.Rate(), content)
	if points == 0 {
		return
	}

	var prior int64
	if inCache {
		prior = entry.XP
	} else {
		dbXP, _, err := e.store.GetXP(ctx, scope, m.Author.ID)
		if err != nil {
			if storeUnavailable(err) {
				e.disable(ctx, err)
			} else {
				logger.ErrorContext(ctx, "error reading prior xp", tint.Err(err))
			}
			return
		}
		prior = dbXP
	}

	if err := e.store.SetXP(ctx, scope, m.Author.ID, points, XPSetModeAdd); err != nil {
		if storeUnavailable(err) {
			e.disable(ctx, err)
		} else {
			logger.ErrorContext(
				ctx,
				"error awarding xp",
				tint.Err(err),
				"scope", scope,
				"user_id", m.Author.ID,
				"points", points,
			)
		}
		return
	}

	if e.isWatched(m.Author.ID) {
		e.notifyWatched(ctx, m, points)
	}

	total := prior + points
	e.cache.Put(scope, m.Author.ID, now.Unix(), total)

	newInfo := CalcLevel(total, scheme)
	priorInfo := CalcLevel(prior, scheme)
	// A brand-new record jumping straight past level 1 stays silent, so
	// a member's very first message never triggers an announcement.
	if priorInfo.Level > 0 && newInfo.Level > priorInfo.Level {
		e.xp.announceLevelUp(ctx, m, settings, newInfo.Level)
		e.xp.roleRewards.SyncMember(ctx, m.GuildID, m.Author.ID, newInfo.Level, false)
	}
}

func (e *AwardEngine) loadScope(ctx context.Context, scope Scope) error {
	rows, err := e.store.LoadScope(ctx, scope)
	if err != nil {
		if storeUnavailable(err) {
			e.disable(ctx, err)
		} else {
			e.logger.ErrorContext(
				ctx,
				"error loading xp cache",
				tint.Err(err),
				"scope", scope,
			)
		}
		return err
	}
	e.cache.BulkLoad(scope, rows)
	e.logger.InfoContext(
		ctx,
		"loaded xp cache",
		"scope", scope,
		"entries", len(rows),
	)
	return nil
}

// blockedByNoXP reports whether the message lands in an excluded channel,
// or its author holds an excluded role.
func (e *AwardEngine) blockedByNoXP(settings GuildSettings, m *discordgo.MessageCreate) bool {
	if settings.NoXPChannels.Contains(m.ChannelID) {
		return true
	}
	if m.Member != nil {
		for _, roleID := range m.Member.Roles {
			if settings.NoXPRoles.Contains(roleID) {
				return true
			}
		}
	}
	return false
}

// messagePoints computes the points a message is worth under the given
// scheme, applying content filters first. Returns 0 when nothing should
// be awarded.
func (e *AwardEngine) messagePoints(
	scheme XPScheme,
	guildRate float64,
	content string,
) int64 {
	switch scheme {
	case SchemeMee6:
		if looksLikeCommand(content) {
			return 0
		}
		n := int64(mee6MinPoints + e.randIntn(mee6MaxPoints-mee6MinPoints+1))
		return roundToInt64(float64(n) * guildRate)
	case SchemeLocal:
		if utf8.RuneCountInString(content) < minimalMessageSize ||
			checkSpam(content) || looksLikeCommand(content) {
			return 0
		}
		return roundToInt64(float64(calcMessageXP(content)) * guildRate)
	default:
		// Global scheme ignores the per-guild rate.
		if utf8.RuneCountInString(content) < minimalMessageSize ||
			checkSpam(content) || looksLikeCommand(content) {
			return 0
		}
		return calcMessageXP(content)
	}
}

// calcMessageXP converts cleaned message content to points: custom emoji
// markup collapses to its short name, URLs are dropped entirely, and the
// remaining length earns a fraction of a point per character, capped.
func calcMessageXP(content string) int64 {
	content = customEmojiPattern.ReplaceAllString(content, "$1")
	content = urlPattern.ReplaceAllString(content, "")
	points := roundToInt64(float64(utf8.RuneCountInString(content)) * xpPerChar)
	if points > maxXPPerMessage {
		return maxXPPerMessage
	}
	return points
}

// checkSpam flags text whose first or second character is punctuation, or
// where any single character exceeds spamCharRatio of the content. A
// heuristic, so false positives are accepted.
func checkSpam(text string) bool {
	runes := []rune(text)
	if len(runes) > 0 && isPunct(runes[0]) {
		return true
	}
	if len(runes) > 1 && isPunct(runes[1]) {
		return true
	}
	if len(runes) == 0 {
		return false
	}
	counts := map[rune]int{}
	for _, r := range runes {
		counts[r]++
	}
	for _, n := range counts {
		if float64(n)/float64(len(runes)) > spamCharRatio {
			return true
		}
	}
	return false
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// looksLikeCommand reports whether a message is probably addressed to
// another bot rather than chat.
func looksLikeCommand(content string) bool {
	for _, prefix := range []string{"!", "?", ".", ";", "&", "$", "/", "-"} {
		if strings.HasPrefix(content, prefix) {
			return true
		}
	}
	return false
}

// cleanMessageContent resolves mentions into display text, the same form
// a reader of the channel would see.
func cleanMessageContent(m *discordgo.MessageCreate) string {
	return m.ContentWithMentionsReplaced()
}

func roundToInt64(f float64) int64 {
	if f < 0 {
		return -roundToInt64(-f)
	}
	return int64(f + 0.5)
}

// notifyWatched posts the message content and points to the configured
// review channel. Best-effort: failures log and move on.
func (e *AwardEngine) notifyWatched(
	ctx context.Context,
	m *discordgo.MessageCreate,
	points int64,
) {
	channelID := e.xp.config.Discord.WatchChannelID
	if channelID == "" {
		return
	}
	if !e.watchLimiter.Allow() {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Watched user activity | guild %s", m.GuildID),
		Description: truncate(m.Content, 1024),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "XP given", Value: fmt.Sprintf("%d", points), Inline: true},
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", m.ChannelID), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: m.Author.ID},
	}
	if m.Author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    m.Author.String(),
			IconURL: m.Author.AvatarURL(""),
		}
	}
	_, err := e.xp.discord.session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil {
		e.logger.WarnContext(
			ctx,
			"error sending watch-list notification",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}
