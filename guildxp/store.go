package guildxp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnXPRecordScope  = "scope"
	columnXPRecordUserID = "user_id"
	columnXPRecordXP     = "xp"
	columnXPRecordBanned = "banned"
)

// XPSetMode selects the write behavior of XPStore.SetXP.
type XPSetMode string

const (
	// XPSetModeAdd inserts the row at the given amount if absent, otherwise
	// atomically adds the amount to the existing value.
	XPSetModeAdd XPSetMode = "add"

	// XPSetModeSet inserts the row at the given amount if absent, otherwise
	// atomically replaces the existing value.
	XPSetModeSet XPSetMode = "set"
)

// XPRecord is a user's cumulative XP within one scope. A user has at most
// one row per scope, and XP never goes below zero: rows are deleted when
// they reach zero (decay, or an admin reset) rather than stored negative.
//
// Banned rows remain in storage but are excluded from every top, rank and
// count query (soft exclusion for detected cheaters).
type XPRecord struct {
	ModelUintID
	ModelUnixTime
	Scope  Scope  `json:"scope" gorm:"uniqueIndex:idx_xp_scope_user;type:string"`
	UserID string `json:"user_id" gorm:"uniqueIndex:idx_xp_scope_user;type:string"`
	XP     int64  `json:"xp"`
	Banned bool   `json:"banned" gorm:"type:bool;default:false"`
}

func (r XPRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnXPRecordScope, r.Scope.String()),
		slog.String(columnXPRecordUserID, r.UserID),
		slog.Int64(columnXPRecordXP, r.XP),
		slog.Bool(columnXPRecordBanned, r.Banned),
	)
}

// WatchedUser is the anti-cheat watch-list: awards to these users emit a
// side-channel notification for moderator review. Watching never blocks
// the award itself.
type WatchedUser struct {
	ModelUintID
	ModelUnixTime
	UserID string `json:"user_id" gorm:"uniqueIndex;type:string"`
	Reason string `json:"reason" gorm:"type:string"`
}

// RankResult is the outcome of a rank query: the user's 1-based position
// on the leaderboard and their cumulative XP.
type RankResult struct {
	Rank int64 `json:"rank"`
	XP   int64 `json:"xp"`
}

// XPStore provides the persistence operations for XP records. All queries
// exclude banned rows unless noted otherwise.
type XPStore struct {
	db     DBI
	logger *slog.Logger
}

func NewXPStore(db DBI, logger *slog.Logger) *XPStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &XPStore{db: db, logger: logger.With(loggerNameKey, "xp_store")}
}

// GetXP returns the cumulative XP of a non-banned user in the given scope,
// and a bool indicating whether a row was found.
func (s *XPStore) GetXP(ctx context.Context, scope Scope, userID string) (
	int64,
	bool,
	error,
) {
	var record XPRecord
	err := s.db.DB().WithContext(ctx).Where(
		"scope = ? AND user_id = ? AND banned = ?",
		scope, userID, false,
	).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("error getting xp record: %w", err)
	}
	return record.XP, true, nil
}

// SetXP writes a user's XP in the given scope. With XPSetModeAdd, the
// amount is added to any existing row (inserting at the amount if absent);
// with XPSetModeSet, any existing row is replaced. Both forms are a single
// atomic upsert statement. A non-positive amount with XPSetModeAdd is a
// no-op.
func (s *XPStore) SetXP(
	ctx context.Context,
	scope Scope,
	userID string,
	amount int64,
	mode XPSetMode,
) error {
	if mode == XPSetModeAdd && amount <= 0 {
		return nil
	}
	record := XPRecord{Scope: scope, UserID: userID, XP: amount}

	var assignment clause.Set
	switch mode {
	case XPSetModeAdd:
		assignment = clause.Assignments(
			map[string]any{
				columnXPRecordXP: gorm.Expr("xp + ?", amount),
			},
		)
	case XPSetModeSet:
		assignment = clause.Assignments(
			map[string]any{columnXPRecordXP: amount},
		)
	default:
		return fmt.Errorf("unknown xp set mode: %q", mode)
	}

	s.db.Lock()
	defer s.db.Unlock()
	err := s.db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: columnXPRecordScope},
				{Name: columnXPRecordUserID},
			},
			DoUpdates: assignment,
		},
	).Create(&record).Error
	if err != nil {
		return fmt.Errorf("error upserting xp record: %w", err)
	}
	return nil
}

// RemoveUser deletes a user's row from the given scope, if present.
func (s *XPStore) RemoveUser(ctx context.Context, scope Scope, userID string) error {
	s.db.Lock()
	defer s.db.Unlock()
	err := s.db.DB().WithContext(ctx).Unscoped().Where(
		"scope = ? AND user_id = ?", scope, userID,
	).Delete(&XPRecord{}).Error
	if err != nil {
		return fmt.Errorf("error removing xp record: %w", err)
	}
	return nil
}

// GetTop returns the scope's non-banned rows ordered by descending XP.
// If memberIDs is non-nil, only rows for those users are considered (used
// to restrict a global leaderboard to one guild's current members).
// limit <= 0 returns all rows.
func (s *XPStore) GetTop(
	ctx context.Context,
	scope Scope,
	limit int,
	memberIDs []string,
) ([]XPRecord, error) {
	tx := s.db.DB().WithContext(ctx).Where(
		"scope = ? AND banned = ?", scope, false,
	).Order("xp DESC")
	if memberIDs != nil {
		tx = tx.Where("user_id IN ?", memberIDs)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var records []XPRecord
	if err := tx.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error getting top records: %w", err)
	}
	return records, nil
}

// GetRank returns a user's leaderboard position within the given scope:
// one more than the number of non-banned rows with strictly higher XP, so
// ties share a rank and banned rows never affect anyone's position. If
// memberIDs is non-nil, both the user lookup and the ranking are
// restricted to that set. Returns found=false if the user has no
// (non-banned) row.
func (s *XPStore) GetRank(
	ctx context.Context,
	scope Scope,
	userID string,
	memberIDs []string,
) (RankResult, bool, error) {
	xp, found, err := s.GetXP(ctx, scope, userID)
	if err != nil || !found {
		return RankResult{}, false, err
	}
	tx := s.db.DB().WithContext(ctx).Model(&XPRecord{}).Where(
		"scope = ? AND banned = ? AND xp > ?", scope, false, xp,
	)
	if memberIDs != nil {
		tx = tx.Where("user_id IN ?", memberIDs)
	}
	var higher int64
	if err = tx.Count(&higher).Error; err != nil {
		return RankResult{}, false, fmt.Errorf("error counting higher rows: %w", err)
	}
	return RankResult{Rank: higher + 1, XP: xp}, true, nil
}

// Count returns the number of ranked (non-banned) users in the given scope.
func (s *XPStore) Count(ctx context.Context, scope Scope) (int64, error) {
	var count int64
	err := s.db.DB().WithContext(ctx).Model(&XPRecord{}).Where(
		"scope = ? AND banned = ?", scope, false,
	).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting xp records: %w", err)
	}
	return count, nil
}

// TotalGlobalXP returns the sum of all XP earned on the global leaderboard,
// banned rows included.
func (s *XPStore) TotalGlobalXP(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.DB().WithContext(ctx).Model(&XPRecord{}).Where(
		"scope = ?", GlobalScope(),
	).Select("SUM(xp)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("error summing global xp: %w", err)
	}
	return total.Int64, nil
}

// LoadScope returns every non-banned row in the given scope, for cache
// bulk loads.
func (s *XPStore) LoadScope(ctx context.Context, scope Scope) ([]XPRecord, error) {
	return s.GetTop(ctx, scope, 0, nil)
}

// SetBanned flags or unflags a user's row in the given scope. Banned rows
// stay in storage but disappear from top, rank and count queries.
func (s *XPStore) SetBanned(
	ctx context.Context,
	scope Scope,
	userID string,
	banned bool,
) error {
	_, err := s.db.UpdatesWhere(
		ctx,
		&XPRecord{},
		map[string]any{columnXPRecordBanned: banned},
		"scope = ? AND user_id = ?",
		scope, userID,
	)
	return err
}

// WatchedUserIDs returns the anti-cheat watch-list as a set of user IDs.
func (s *XPStore) WatchedUserIDs(ctx context.Context) (map[string]bool, error) {
	var watched []WatchedUser
	err := s.db.DB().WithContext(ctx).Find(&watched).Error
	if err != nil {
		return nil, fmt.Errorf("error loading watched users: %w", err)
	}
	ids := make(map[string]bool, len(watched))
	for _, w := range watched {
		ids[w.UserID] = true
	}
	return ids, nil
}

// storeUnavailable reports whether the given error indicates the
// underlying storage is unreachable, as opposed to a per-statement
// failure. Unreachable storage disables the XP feature for the process
// rather than serving stale or partial data.
func storeUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}
