package guildxp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ErrNoCardRenderer indicates no image renderer is configured, and the
// presenter should fall back to an embed.
var ErrNoCardRenderer = errors.New("no rank card renderer configured")

// RankCardData carries everything a renderer needs to draw a rank card.
type RankCardData struct {
	Username     string
	Avatar       []byte
	Level        int64
	Rank         int64
	Participants int64
	XP           int64
	XPForNext    int64
	XPForCurrent int64
}

// CardRenderer draws a rank card image. Implementations are external;
// the bot only falls back gracefully when rendering is unavailable.
type CardRenderer interface {
	RenderCard(ctx context.Context, data RankCardData) (png []byte, err error)
}

// RankPresenter produces the user-facing answer to a rank query: a
// rendered card when a renderer is available, otherwise an embed,
// otherwise plain text.
type RankPresenter struct {
	xp         *GuildXP
	renderer   CardRenderer
	httpClient *http.Client
	logger     *slog.Logger
}

func newRankPresenter(xp *GuildXP, renderer CardRenderer) *RankPresenter {
	return &RankPresenter{
		xp:       xp,
		renderer: renderer,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: xp.logger.With(loggerNameKey, "rank"),
	}
}

// RankReply is a ready-to-send interaction reply body.
type RankReply struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
	Files   []*discordgo.File
}

// Build assembles the reply for a user's rank in the given scope.
func (p *RankPresenter) Build(
	ctx context.Context,
	scope Scope,
	user *discordgo.User,
) (*RankReply, error) {
	xpAmount, found, err := p.xp.xpStore.GetXP(ctx, scope, user.ID)
	if err != nil {
		return nil, fmt.Errorf("error reading xp: %w", err)
	}
	if !found {
		return &RankReply{
			Content: fmt.Sprintf("%s has not earned any XP yet.", user.Username),
		}, nil
	}

	settings := GuildSettings{}
	scheme := SchemeGlobal
	if !scope.IsGlobal() {
		settings = p.xp.guildSettings.Get(ctx, scope.GuildID())
		scheme = settings.Scheme()
	}

	rank, ranked, err := p.xp.xpStore.GetRank(ctx, scope, user.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("error computing rank: %w", err)
	}
	if !ranked {
		return &RankReply{
			Content: fmt.Sprintf("%s has not earned any XP yet.", user.Username),
		}, nil
	}
	participants, err := p.xp.xpStore.Count(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("error counting participants: %w", err)
	}

	info := CalcLevel(xpAmount, scheme)
	data := RankCardData{
		Username:     user.Username,
		Level:        info.Level,
		Rank:         rank.Rank,
		Participants: participants,
		XP:           xpAmount,
		XPForNext:    info.XPForNextLevel,
		XPForCurrent: info.XPForCurrentLevel,
	}

	reply, cardErr := p.buildCard(ctx, user, data)
	if cardErr == nil {
		return reply, nil
	}
	if !errors.Is(cardErr, ErrNoCardRenderer) {
		p.logger.WarnContext(
			ctx,
			"card rendering failed, falling back to embed",
			tint.Err(cardErr),
		)
	}
	return p.buildEmbed(user, data), nil
}

func (p *RankPresenter) buildCard(
	ctx context.Context,
	user *discordgo.User,
	data RankCardData,
) (*RankReply, error) {
	if p.renderer == nil {
		return nil, ErrNoCardRenderer
	}
	avatar, err := p.fetchAvatar(ctx, user.AvatarURL("256"))
	if err != nil {
		return nil, err
	}
	data.Avatar = avatar
	png, err := p.renderer.RenderCard(ctx, data)
	if err != nil {
		return nil, err
	}
	return &RankReply{
		Files: []*discordgo.File{
			{
				Name:        fmt.Sprintf("rank-%s.png", user.ID),
				ContentType: "image/png",
				Reader:      bytes.NewReader(png),
			},
		},
	}, nil
}

func (p *RankPresenter) buildEmbed(
	user *discordgo.User,
	data RankCardData,
) *RankReply {
	progress := data.XP - data.XPForCurrent
	span := data.XPForNext - data.XPForCurrent
	embed := &discordgo.MessageEmbed{
		Title: user.Username,
		Color: 0xffcf50,
		Thumbnail: &discordgo.MessageEmbedThumbnail{
			URL: user.AvatarURL("256"),
		},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Level",
				Value:  fmt.Sprintf("%d", data.Level),
				Inline: true,
			},
			{
				Name: "XP",
				Value: fmt.Sprintf(
					"%d/%d (%d total)", progress, span, data.XP,
				),
				Inline: true,
			},
			{
				Name: "Rank",
				Value: fmt.Sprintf(
					"%d/%d", data.Rank, data.Participants,
				),
				Inline: true,
			},
		},
	}
	return &RankReply{Embeds: []*discordgo.MessageEmbed{embed}}
}

// BuildText is the last-resort plain text rendition, for destinations
// where the bot can't send embeds.
func (p *RankPresenter) BuildText(user *discordgo.User, data RankCardData) string {
	return fmt.Sprintf(
		"%s — level %d, %d XP, rank %d/%d",
		user.Username, data.Level, data.XP, data.Rank, data.Participants,
	)
}

func (p *RankPresenter) fetchAvatar(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching avatar: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<22))
}
