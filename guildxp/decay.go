package guildxp

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// ErrDecayRunning is returned when a decay run is requested while a
// previous run is still in progress. Runs are rejected, never queued.
var ErrDecayRunning = errors.New("xp decay already in progress")

// DecayRun is the persisted audit record of one decay pass.
type DecayRun struct {
	ModelUintID
	ModelUnixTime

	StartedAt      int64 `json:"started_at"`
	FinishedAt     int64 `json:"finished_at"`
	GuildsAffected int64 `json:"guilds_affected"`
	UsersAffected  int64 `json:"users_affected"`
	GuildErrors    int64 `json:"guild_errors"`
}

func (d DecayRun) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("guilds_affected", d.GuildsAffected),
		slog.Int64("users_affected", d.UsersAffected),
		slog.Int64("guild_errors", d.GuildErrors),
	)
}

// DecayScheduler depletes XP daily for guilds that configured a decay
// amount. At most one run executes at a time.
type DecayScheduler struct {
	xp     *GuildXP
	db     DBI
	logger *slog.Logger

	running atomic.Bool
}

func newDecayScheduler(xp *GuildXP) *DecayScheduler {
	return &DecayScheduler{
		xp:     xp,
		db:     xp.writeDB,
		logger: xp.logger.With(loggerNameKey, "decay"),
	}
}

// Watch fires Run every day at midnight UTC until ctx is canceled. A
// failed run logs and waits for the next tick.
func (d *DecayScheduler) Watch(ctx context.Context) {
	for {
		wait := time.Until(nextMidnightUTC(time.Now()))
		d.logger.InfoContext(ctx, "next xp decay scheduled", "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if _, err := d.Run(ctx); err != nil {
				d.logger.ErrorContext(ctx, "xp decay run failed", tint.Err(err))
			}
		}
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run executes one decay pass: for every guild with a configured decay
// amount, decrement each row's XP, drop the guild's cache, then delete
// rows at or below zero. Guilds on the global scheme are exempt, as are
// guilds the bot is no longer a member of. Per-guild failures are
// isolated: one bad guild never blocks the rest.
//
// Returns ErrDecayRunning if a pass is already in progress.
func (d *DecayScheduler) Run(ctx context.Context) (*DecayRun, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrDecayRunning
	}
	defer d.running.Store(false)

	run := &DecayRun{StartedAt: time.Now().Unix()}

	configs, err := d.xp.guildSettings.GuildsWithDecay(ctx)
	if err != nil {
		return nil, err
	}

	for _, cfg := range configs {
		if cfg.Scheme() == SchemeGlobal {
			continue
		}
		if !d.xp.discord.InGuild(cfg.GuildID) {
			continue
		}
		users, guildErr := d.decayGuild(ctx, cfg.GuildID, cfg.XPDecay)
		if guildErr != nil {
			run.GuildErrors++
			d.logger.ErrorContext(
				ctx,
				"error decaying guild",
				tint.Err(guildErr),
				"guild_id", cfg.GuildID,
			)
			continue
		}
		run.UsersAffected += users
		run.GuildsAffected++
	}

	run.FinishedAt = time.Now().Unix()
	if _, err = d.db.Create(ctx, run); err != nil {
		d.logger.ErrorContext(ctx, "error recording decay run", tint.Err(err))
	}
	d.logger.InfoContext(ctx, "xp decay finished", "decay_run", run)
	return run, nil
}

// decayGuild applies one guild's decay: decrement, invalidate cache,
// delete depleted rows. The cache drop happens between the two writes so
// readers never see a decremented row the cache still holds at its old
// value.
func (d *DecayScheduler) decayGuild(
	ctx context.Context,
	guildID string,
	amount int64,
) (usersAffected int64, err error) {
	scope := GuildScope(guildID)

	rowsAffected, err := d.db.UpdatesWhere(
		ctx,
		&XPRecord{},
		map[string]any{columnXPRecordXP: gorm.Expr("xp - ?", amount)},
		"scope = ?", scope,
	)
	if err != nil {
		return 0, err
	}
	if rowsAffected > 0 {
		d.xp.xpCache.InvalidateScope(scope)
		notifyCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
		d.xp.dbNotifier.XPCacheInvalidated(notifyCtx, scope)
		cancel()
	}

	// Hard delete: a lingering row would still occupy the unique
	// (scope, user_id) index and block the user's next award upsert.
	removed, err := d.db.Delete(&XPRecord{}, "scope = ? AND xp <= ?", scope, 0)
	if err != nil {
		return rowsAffected, err
	}
	if removed > 0 {
		d.logger.InfoContext(
			ctx,
			"xp decay removed depleted members",
			"guild_id", guildID,
			"removed", removed,
		)
	}
	return rowsAffected, nil
}
