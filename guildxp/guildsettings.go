//nolint:lll // struct tags can't be split
package guildxp

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnGuildSettingsGuildID = "guild_id"
)

const (
	// LevelUpChannelNone disables level-up notifications for the guild.
	LevelUpChannelNone = "none"

	// LevelUpChannelAny sends level-up notifications to the channel the
	// triggering message was sent in.
	LevelUpChannelAny = "any"

	// LevelUpChannelDM sends level-up notifications as a direct message.
	LevelUpChannelDM = "dm"
)

// StringList is a list of Discord snowflake IDs stored as a single
// separator-joined column.
type StringList []string

// Scan implements the sql.Scanner interface.
func (l *StringList) Scan(value any) error {
	switch v := value.(type) {
	case string:
		l.parse(v)
	case []byte:
		l.parse(string(v))
	case nil:
		*l = nil
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (l StringList) Value() (driver.Value, error) {
	return strings.Join(l, recordSeparator), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (StringList) GormDataType() string {
	return "string"
}

func (l *StringList) parse(s string) {
	if s == "" {
		*l = nil
		return
	}
	*l = strings.Split(s, recordSeparator)
}

// Contains reports whether the list contains the given ID.
func (l StringList) Contains(id string) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// GuildSettings is the per-guild XP configuration, persisted and cached
// in memory. Missing or invalid settings are treated as "XP disabled for
// this guild" rather than an error.
type GuildSettings struct {
	ModelUintID
	ModelUnixTime

	// GuildID is the Discord guild (server) ID these settings apply to.
	GuildID string `json:"guild_id" gorm:"uniqueIndex;type:string"`

	// EnableXP turns the XP feature on for this guild.
	EnableXP bool `json:"enable_xp" gorm:"not null;default:false"`

	// XPType selects the scoring scheme: global, mee6-like or local.
	XPType XPScheme `json:"xp_type" gorm:"type:string;default:global" binding:"omitempty,oneof=global mee6-like local"`

	// XPRate scales awarded points for the mee6-like and local schemes.
	// The global scheme ignores it (the shared leaderboard must score
	// every guild identically).
	XPRate float64 `json:"xp_rate" gorm:"default:1.0" binding:"omitempty,min=0.1,max=3.0"`

	// NoXPChannels lists channel IDs where messages never earn XP.
	NoXPChannels StringList `json:"noxp_channels" gorm:"type:string"`

	// NoXPRoles lists role IDs whose holders never earn XP.
	NoXPRoles StringList `json:"noxp_roles" gorm:"type:string"`

	// LevelUpChannel is where level-up notifications go: "none", "any",
	// "dm", or a channel ID.
	LevelUpChannel string `json:"levelup_channel" gorm:"type:string;default:any"`

	// LevelUpMessage is the notification template. Supports {user},
	// {username} and {level} placeholders; empty uses the default message.
	LevelUpMessage string `json:"levelup_msg" gorm:"type:string" binding:"omitempty,max=1800"`

	// LevelUpSilent suppresses the mention ping on level-up notifications.
	LevelUpSilent bool `json:"levelup_silent" gorm:"not null;default:false"`

	// RankInDM makes /rank responses private (ephemeral or DM).
	RankInDM bool `json:"rank_in_dm" gorm:"not null;default:false"`

	// RoleRewardsMaxNumber caps how many role rewards the guild may define.
	RoleRewardsMaxNumber int `json:"rr_max_number" gorm:"default:10" binding:"omitempty,min=0"`

	// XPDecay is the amount of XP removed from every member daily.
	// 0 disables decay. Ignored under the global scheme.
	XPDecay int64 `json:"xp_decay" gorm:"default:0" binding:"omitempty,min=0"`
}

// DefaultGuildSettings returns the settings used for guilds with no stored
// row. XP is disabled by default.
func DefaultGuildSettings(guildID string) GuildSettings {
	return GuildSettings{
		GuildID:              guildID,
		EnableXP:             false,
		XPType:               SchemeGlobal,
		XPRate:               1.0,
		LevelUpChannel:       LevelUpChannelAny,
		RoleRewardsMaxNumber: 10,
	}
}

// Scheme returns the guild's scoring scheme, falling back to the global
// scheme when the stored value is missing or invalid.
func (g GuildSettings) Scheme() XPScheme {
	if g.XPType.Valid() {
		return g.XPType
	}
	return SchemeGlobal
}

// Rate returns the guild's XP rate clamped to its valid range.
func (g GuildSettings) Rate() float64 {
	if g.XPRate < 0.1 {
		return 1.0
	}
	if g.XPRate > 3.0 {
		return 3.0
	}
	return g.XPRate
}

func (g GuildSettings) LogValue() slog.Value {
	data, _ := json.Marshal(g)
	return slog.StringValue(string(data))
}

// GuildSettingsCache is a mutex-guarded in-memory cache of GuildSettings,
// keyed by guild ID, loaded from the database on first use. Invalidated
// entries are re-read on the next Get.
type GuildSettingsCache struct {
	db       DBI
	logger   *slog.Logger
	mu       sync.RWMutex
	settings map[string]GuildSettings
}

func NewGuildSettingsCache(db DBI, logger *slog.Logger) *GuildSettingsCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildSettingsCache{
		db:       db,
		logger:   logger.With(loggerNameKey, "guild_settings"),
		settings: map[string]GuildSettings{},
	}
}

// Get returns the settings for the given guild, loading them from the
// database on a cache miss. Guilds without a stored row get
// DefaultGuildSettings.
func (c *GuildSettingsCache) Get(ctx context.Context, guildID string) GuildSettings {
	c.mu.RLock()
	settings, ok := c.settings[guildID]
	c.mu.RUnlock()
	if ok {
		return settings
	}

	var stored GuildSettings
	err := c.db.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Take(&stored).Error
	switch {
	case err == nil:
		//
	case errors.Is(err, gorm.ErrRecordNotFound):
		stored = DefaultGuildSettings(guildID)
	default:
		c.logger.ErrorContext(
			ctx,
			"error loading guild settings, treating xp as disabled",
			tint.Err(err),
			columnGuildSettingsGuildID, guildID,
		)
		return DefaultGuildSettings(guildID)
	}

	c.mu.Lock()
	c.settings[guildID] = stored
	c.mu.Unlock()
	return stored
}

// Save upserts the given settings and refreshes the cache entry.
func (c *GuildSettingsCache) Save(ctx context.Context, settings GuildSettings) error {
	c.db.Lock()
	err := c.db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGuildSettingsGuildID}},
			UpdateAll: true,
		},
	).Create(&settings).Error
	c.db.Unlock()
	if err != nil {
		return fmt.Errorf("error saving guild settings: %w", err)
	}

	c.mu.Lock()
	c.settings[settings.GuildID] = settings
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached entry for the given guild.
func (c *GuildSettingsCache) Invalidate(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.settings, guildID)
}

// InvalidateAll drops every cached entry.
func (c *GuildSettingsCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = map[string]GuildSettings{}
}

// GuildsWithDecay returns settings for every guild with a positive daily
// decay amount, read directly from the database (the decay scheduler must
// not act on stale cache entries).
func (c *GuildSettingsCache) GuildsWithDecay(ctx context.Context) (
	[]GuildSettings,
	error,
) {
	var guilds []GuildSettings
	err := c.db.DB().WithContext(ctx).Where("xp_decay > 0").Find(&guilds).Error
	if err != nil {
		return nil, fmt.Errorf("error loading decay guilds: %w", err)
	}
	return guilds, nil
}
