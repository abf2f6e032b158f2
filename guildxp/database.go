package guildxp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelXPCacheInvalidated   = "guildxp_xp_cache_invalidated"
	postgresNotifyChannelGuildSettingsUpdated = "guildxp_guild_settings_updated"

	recordSeparator = string(rune(30))
)

var (
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps the GORM connection with a write mutex. SQLite only
// supports a single writer, so unless concurrent writes are explicitly
// enabled (postgres), write operations are serialized.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given GORM
// connection. enableConcurrentWrites should be false for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	if len(omit) > 0 {
		rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

// Delete hard-deletes matching rows. Soft deletion is never wanted here:
// every deletable model sits behind a unique index, and a soft-deleted
// row would keep occupying it, blocking the next upsert or re-insert for
// the same key.
func (d *database) Delete(value any, conds ...any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	rv := d.db.Unscoped().Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	// Lock serializes write operations when concurrent writes are
	// disabled (SQLite); a no-op otherwise.
	Lock()
	Unlock()

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and auto-migrates the XP models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&XPRecord{},
		&GuildSettings{},
		&RoleReward{},
		&WatchedUser{},
		&DecayRun{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, err
	}

	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier defines the interface for notifying other bot instances of
// database changes: XP cache invalidations (after a decay run or admin
// edit) and guild settings updates. With SQLite there is by definition a
// single instance, so the SQLite notifier only signals the local process.
type DBNotifier interface {
	// XPCacheChannelName returns the broadcast channel for XP cache
	// invalidation events.
	XPCacheChannelName() string

	// XPCacheInvalidated announces that the given scope's XP rows
	// changed outside the award path, and caches for it must be dropped.
	XPCacheInvalidated(ctx context.Context, scope Scope) bool

	GuildSettingsChannelName() string

	// GuildSettingsUpdated announces that a guild's settings row changed.
	GuildSettingsUpdated(ctx context.Context, guildID string) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *GuildXP) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "db_notifier")
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:         log,
			bot:            b,
			sqliteNotifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			bot:        b,
			logger:     log,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

type sqliteNotifier struct {
	logger         *slog.Logger
	bot            *GuildXP
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (sqliteNotifier) XPCacheChannelName() string {
	return ""
}

func (s *sqliteNotifier) XPCacheInvalidated(ctx context.Context, scope Scope) bool {
	select {
	case s.bot.triggerXPCacheInvalidateCh <- scope:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending xp cache invalidation", "scope", scope)
		return false
	}
	return true
}

func (sqliteNotifier) GuildSettingsChannelName() string {
	return ""
}

func (s *sqliteNotifier) GuildSettingsUpdated(ctx context.Context, guildID string) bool {
	select {
	case s.bot.triggerGuildSettingsRefreshCh <- guildID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending settings refresh", "guild_id", guildID)
		return false
	}
	return true
}

type postgresNotifier struct {
	bot        *GuildXP
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) XPCacheChannelName() string {
	return postgresNotifyChannelXPCacheInvalidated
}

func (postgresNotifier) GuildSettingsChannelName() string {
	return postgresNotifyChannelGuildSettingsUpdated
}

func (p *postgresNotifier) XPCacheInvalidated(ctx context.Context, scope Scope) bool {
	sent := p.notify(ctx, p.XPCacheChannelName(), scope.String())

	select {
	case p.bot.triggerXPCacheInvalidateCh <- scope:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending xp cache invalidation", "scope", scope)
	}
	return sent
}

func (p *postgresNotifier) GuildSettingsUpdated(ctx context.Context, guildID string) bool {
	sent := p.notify(ctx, p.GuildSettingsChannelName(), guildID)

	select {
	case p.bot.triggerGuildSettingsRefreshCh <- guildID:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending settings refresh", "guild_id", guildID)
	}
	return sent
}

// notify sends a pg_notify with the notifier ID prepended, so receivers
// can discard their own broadcasts.
func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	msg := strings.Join([]string{p.ID(), payload}, recordSeparator)
	notifyErr := p.bot.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY",
			tint.Err(notifyErr),
			"channel", channel,
			"payload", payload,
		)
		return false
	}
	p.logger.Info(
		"sent notification",
		"pg_notify_id", p.ID(),
		"channel", channel,
		"payload", payload,
	)
	return true
}

func parseNotification(s string) (notifierID, payload string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.bot.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		notifierID, payload := parseNotification(notification.Payload)
		if notifierID == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload", notification.Payload,
			)
			continue
		}

		switch channel {
		case p.XPCacheChannelName():
			var scope Scope
			scope.setFromColumn(payload)
			select {
			case p.bot.triggerXPCacheInvalidateCh <- scope:
				logger.Info("sent xp cache invalidation", "scope", scope)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending xp cache invalidation", "scope", scope)
			}
		case p.GuildSettingsChannelName():
			select {
			case p.bot.triggerGuildSettingsRefreshCh <- payload:
				logger.Info("sent settings refresh signal", "guild_id", payload)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending settings refresh", "guild_id", payload)
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}
