package guildxp

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// setupRewardGuild seeds the stub session with a role hierarchy where the
// bot's top role sits above every reward role.
func setupRewardGuild(x *GuildXP, stub *stubSession, botUserID string) {
	stub.roles = []*discordgo.Role{
		{ID: "bot-role", Position: 100},
		{ID: "role-novice", Position: 10},
		{ID: "role-adept", Position: 11},
		{ID: "role-too-high", Position: 200},
	}
	stub.members[botUserID] = &discordgo.Member{
		User:  &discordgo.User{ID: botUserID},
		Roles: []string{"bot-role"},
	}
	x.discord.mu.Lock()
	x.discord.userID = botUserID
	x.discord.mu.Unlock()
}

func TestRoleRewardAddListRemove(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestGuildXP(t)

	added, err := x.roleRewards.Add(ctx, "guild-1", "role-novice", 4)
	require.NoError(t, err)
	require.NotNil(t, added)

	_, err = x.roleRewards.Add(ctx, "guild-1", "role-adept", 12)
	require.NoError(t, err)

	rewards, err := x.roleRewards.List(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	// Ordered by level
	assert.Equal(t, int64(4), rewards[0].Level)
	assert.Equal(t, int64(12), rewards[1].Level)

	// Scoped to the guild
	other, err := x.roleRewards.List(ctx, "guild-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, x.roleRewards.Remove(ctx, "guild-1", added.ID))
	rewards, err = x.roleRewards.List(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, rewards, 1)

	// Removing the same reward again, or from the wrong guild
	assert.ErrorIs(
		t,
		x.roleRewards.Remove(ctx, "guild-1", added.ID),
		gorm.ErrRecordNotFound,
	)
	assert.ErrorIs(
		t,
		x.roleRewards.Remove(ctx, "guild-2", rewards[0].ID),
		gorm.ErrRecordNotFound,
	)

	// A removed role can be rewarded again
	_, err = x.roleRewards.Add(ctx, "guild-1", "role-novice", 4)
	require.NoError(t, err)
}

func TestRoleRewardLimit(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestGuildXP(t)

	settings := DefaultGuildSettings("guild-1")
	settings.RoleRewardsMaxNumber = 2
	require.NoError(t, x.guildSettings.Save(ctx, settings))

	_, err := x.roleRewards.Add(ctx, "guild-1", "role-a", 1)
	require.NoError(t, err)
	_, err = x.roleRewards.Add(ctx, "guild-1", "role-b", 2)
	require.NoError(t, err)

	_, err = x.roleRewards.Add(ctx, "guild-1", "role-c", 3)
	assert.ErrorIs(t, err, ErrRoleRewardLimit)
}

func TestRoleRewardOnePerLevel(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestGuildXP(t)

	_, err := x.roleRewards.Add(ctx, "guild-1", "role-a", 5)
	require.NoError(t, err)

	// A second reward at the same level is rejected
	_, err = x.roleRewards.Add(ctx, "guild-1", "role-b", 5)
	assert.ErrorIs(t, err, ErrRoleRewardLevelExists)

	// Other levels, and the same level in another guild, are fine
	_, err = x.roleRewards.Add(ctx, "guild-1", "role-b", 6)
	require.NoError(t, err)
	_, err = x.roleRewards.Add(ctx, "guild-2", "role-a", 5)
	require.NoError(t, err)
}

func TestSyncGrantsEarnedRoles(t *testing.T) {
	ctx := context.Background()
	x, stub := newTestGuildXP(t)
	setupRewardGuild(x, stub, "bot-user")

	_, err := x.roleRewards.Add(ctx, "guild-1", "role-novice", 4)
	require.NoError(t, err)
	_, err = x.roleRewards.Add(ctx, "guild-1", "role-adept", 12)
	require.NoError(t, err)

	stub.members["user-1"] = &discordgo.Member{
		User:  &discordgo.User{ID: "user-1"},
		Roles: []string{"unrelated-role"},
	}

	// A member jumping from below level 4 straight to 12 gets both roles
	changed := x.roleRewards.SyncMember(ctx, "guild-1", "user-1", 12, false)
	assert.Equal(t, 2, changed)

	require.Len(t, stub.memberEdits, 1)
	require.NotNil(t, stub.memberEdits[0].Roles)
	assert.ElementsMatch(
		t,
		[]string{"unrelated-role", "role-novice", "role-adept"},
		*stub.memberEdits[0].Roles,
	)
}

func TestSyncKeepsOutdatedRolesByDefault(t *testing.T) {
	ctx := context.Background()
	x, stub := newTestGuildXP(t)
	setupRewardGuild(x, stub, "bot-user")

	_, err := x.roleRewards.Add(ctx, "guild-1", "role-adept", 12)
	require.NoError(t, err)

	member := &discordgo.Member{
		User:  &discordgo.User{ID: "user-1"},
		Roles: []string{"role-adept"},
	}
	stub.members["user-1"] = member

	// Level below the threshold, but removeOutdated is false
	changed := x.roleRewards.SyncMember(ctx, "guild-1", "user-1", 3, false)
	assert.Zero(t, changed)
	assert.Empty(t, stub.memberEdits)

	// With removeOutdated, the role is revoked
	changed = x.roleRewards.SyncMember(ctx, "guild-1", "user-1", 3, true)
	assert.Equal(t, 1, changed)
	require.Len(t, stub.memberEdits, 1)
	assert.NotContains(t, *stub.memberEdits[0].Roles, "role-adept")
}

func TestSyncSkipsRolesAboveBot(t *testing.T) {
	ctx := context.Background()
	x, stub := newTestGuildXP(t)
	setupRewardGuild(x, stub, "bot-user")

	_, err := x.roleRewards.Add(ctx, "guild-1", "role-too-high", 1)
	require.NoError(t, err)

	stub.members["user-1"] = &discordgo.Member{
		User: &discordgo.User{ID: "user-1"},
	}

	changed := x.roleRewards.SyncMember(ctx, "guild-1", "user-1", 50, false)
	assert.Zero(t, changed, "roles above the bot's top role are skipped")
	assert.Empty(t, stub.memberEdits)
}

func TestSyncMemberNeverFails(t *testing.T) {
	ctx := context.Background()
	x, stub := newTestGuildXP(t)
	setupRewardGuild(x, stub, "bot-user")

	_, err := x.roleRewards.Add(ctx, "guild-1", "role-novice", 4)
	require.NoError(t, err)

	// Unknown member: the stub errors, SyncMember logs and returns 0
	changed := x.roleRewards.SyncMember(ctx, "guild-1", "ghost", 10, false)
	assert.Zero(t, changed)
}
