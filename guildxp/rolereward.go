package guildxp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// RoleReward maps a level threshold to a Discord role for one guild. When
// a member reaches Level, the role is granted on their next level-up.
type RoleReward struct {
	ModelUintID
	ModelUnixTime

	GuildID string `gorm:"uniqueIndex:idx_role_reward;not null" json:"guild_id"`
	RoleID  string `gorm:"uniqueIndex:idx_role_reward;not null" json:"role_id"`
	Level   int64  `gorm:"not null" json:"level"`
}

func (r RoleReward) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", r.GuildID),
		slog.String("role_id", r.RoleID),
		slog.Int64("level", r.Level),
	)
}

var (
	ErrRoleRewardLimit       = errors.New("role reward limit reached for this guild")
	ErrRoleRewardLevelExists = errors.New("a role reward already exists for this level")
)

// RoleRewardSync grants and revokes reward roles on guild members as
// their level changes.
type RoleRewardSync struct {
	xp     *GuildXP
	db     DBI
	logger *slog.Logger
}

func newRoleRewardSync(xp *GuildXP) *RoleRewardSync {
	return &RoleRewardSync{
		xp:     xp,
		db:     xp.writeDB,
		logger: xp.logger.With(loggerNameKey, "role_rewards"),
	}
}

// List returns the guild's role rewards ordered by level threshold.
func (r *RoleRewardSync) List(ctx context.Context, guildID string) ([]RoleReward, error) {
	var rewards []RoleReward
	err := r.db.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("level").Find(&rewards).Error
	if err != nil {
		return nil, fmt.Errorf("error listing role rewards: %w", err)
	}
	return rewards, nil
}

// Add registers a new role reward, enforcing the guild's configured
// maximum and one reward per level. Returns ErrRoleRewardLimit when the
// guild is at capacity and ErrRoleRewardLevelExists when the level
// already has a reward.
func (r *RoleRewardSync) Add(
	ctx context.Context,
	guildID string,
	roleID string,
	level int64,
) (*RoleReward, error) {
	settings := r.xp.guildSettings.Get(ctx, guildID)

	var count int64
	err := r.db.DB().WithContext(ctx).Model(&RoleReward{}).Where(
		"guild_id = ?", guildID,
	).Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("error counting role rewards: %w", err)
	}
	if count >= int64(settings.RoleRewardsMaxNumber) {
		return nil, ErrRoleRewardLimit
	}

	var atLevel int64
	err = r.db.DB().WithContext(ctx).Model(&RoleReward{}).Where(
		"guild_id = ? AND level = ?", guildID, level,
	).Count(&atLevel).Error
	if err != nil {
		return nil, fmt.Errorf("error counting role rewards: %w", err)
	}
	if atLevel > 0 {
		return nil, ErrRoleRewardLevelExists
	}

	reward := &RoleReward{GuildID: guildID, RoleID: roleID, Level: level}
	if _, err = r.db.Create(ctx, reward); err != nil {
		return nil, fmt.Errorf("error creating role reward: %w", err)
	}
	r.logger.InfoContext(ctx, "added role reward", "role_reward", reward)
	return reward, nil
}

// Remove deletes a role reward by row ID, scoped to the guild. Returns
// gorm.ErrRecordNotFound if no such reward exists.
func (r *RoleRewardSync) Remove(ctx context.Context, guildID string, id uint) error {
	rowsAffected, err := r.db.Delete(
		&RoleReward{},
		"id = ? AND guild_id = ?", id, guildID,
	)
	if err != nil {
		return fmt.Errorf("error removing role reward: %w", err)
	}
	if rowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SyncMember reconciles a member's reward roles against their level. A
// convenience wrapper around Sync that resolves the member and reward
// list first. Failures log and return 0; role sync is never allowed to
// fail an award.
func (r *RoleRewardSync) SyncMember(
	ctx context.Context,
	guildID string,
	userID string,
	level int64,
	removeOutdated bool,
) int {
	rewards, err := r.List(ctx, guildID)
	if err != nil {
		r.logger.ErrorContext(ctx, "error listing role rewards", tint.Err(err))
		return 0
	}
	if len(rewards) == 0 {
		return 0
	}
	member, err := r.xp.discord.GuildMember(guildID, userID)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"error fetching member for role sync",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
		return 0
	}
	changed, err := r.Sync(ctx, guildID, member, level, rewards, removeOutdated)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error syncing reward roles",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
	}
	return changed
}

// Sync computes the member's reward role set for the given level and
// applies it in a single member edit. Rewards whose role sits at or above
// the bot's own top role are skipped silently; Discord would reject them.
// Returns the number of roles granted plus, when removeOutdated is set,
// the number revoked.
func (r *RoleRewardSync) Sync(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
	level int64,
	rewards []RoleReward,
	removeOutdated bool,
) (int, error) {
	assignable, err := r.assignableRoles(guildID)
	if err != nil {
		return 0, err
	}

	has := make(map[string]bool, len(member.Roles))
	for _, roleID := range member.Roles {
		has[roleID] = true
	}

	var granted, revoked int
	remove := map[string]bool{}
	roles := append([]string{}, member.Roles...)
	for _, reward := range rewards {
		if !assignable[reward.RoleID] {
			continue
		}
		switch {
		case reward.Level <= level && !has[reward.RoleID]:
			roles = append(roles, reward.RoleID)
			granted++
		case reward.Level > level && has[reward.RoleID] && removeOutdated:
			remove[reward.RoleID] = true
			revoked++
		}
	}
	if granted == 0 && revoked == 0 {
		return 0, nil
	}
	if len(remove) > 0 {
		kept := roles[:0]
		for _, roleID := range roles {
			if !remove[roleID] {
				kept = append(kept, roleID)
			}
		}
		roles = kept
	}

	_, err = r.xp.discord.GuildMemberEdit(
		guildID,
		member.User.ID,
		&discordgo.GuildMemberParams{Roles: &roles},
	)
	if err != nil {
		return 0, fmt.Errorf("error editing member roles: %w", err)
	}
	r.logger.InfoContext(
		ctx,
		"synced reward roles",
		"guild_id", guildID,
		"user_id", member.User.ID,
		"level", level,
		"granted", granted,
		"revoked", revoked,
	)
	return granted + revoked, nil
}

// assignableRoles returns the set of role IDs strictly below the bot's
// own top role in the guild's hierarchy.
func (r *RoleRewardSync) assignableRoles(guildID string) (map[string]bool, error) {
	roles, err := r.xp.discord.GuildRoles(guildID)
	if err != nil {
		return nil, fmt.Errorf("error fetching guild roles: %w", err)
	}
	botMember, err := r.xp.discord.GuildMember(guildID, r.xp.discord.botUserID())
	if err != nil {
		return nil, fmt.Errorf("error fetching bot member: %w", err)
	}

	positions := make(map[string]int, len(roles))
	for _, role := range roles {
		positions[role.ID] = role.Position
	}
	botTop := 0
	for _, roleID := range botMember.Roles {
		if positions[roleID] > botTop {
			botTop = positions[roleID]
		}
	}

	assignable := make(map[string]bool, len(roles))
	for _, role := range roles {
		if role.Position < botTop {
			assignable[role.ID] = true
		}
	}
	return assignable, nil
}
