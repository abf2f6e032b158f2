package guildxp

import (
	"database/sql/driver"
	"fmt"
	"log/slog"
)

// scopeGlobal is the sentinel value used in storage for the cross-guild
// leaderboard scope.
const scopeGlobal = "global"

// Scope identifies a leaderboard: either the global cross-guild leaderboard,
// or a single guild's local leaderboard. The zero value is the global scope.
type Scope struct {
	guildID string
}

// GlobalScope returns the scope for the cross-guild leaderboard.
func GlobalScope() Scope {
	return Scope{}
}

// GuildScope returns the scope for the given guild's local leaderboard.
func GuildScope(guildID string) Scope {
	return Scope{guildID: guildID}
}

// IsGlobal reports whether the scope is the cross-guild leaderboard.
func (s Scope) IsGlobal() bool {
	return s.guildID == ""
}

// GuildID returns the guild ID for a guild scope, or an empty string for
// the global scope.
func (s Scope) GuildID() string {
	return s.guildID
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return scopeGlobal
	}
	return s.guildID
}

// Value implements the driver.Valuer interface, so a Scope can be used
// directly as a query parameter.
func (s Scope) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements the sql.Scanner interface.
func (s *Scope) Scan(value any) error {
	switch v := value.(type) {
	case string:
		s.setFromColumn(v)
	case []byte:
		s.setFromColumn(string(v))
	default:
		return fmt.Errorf("unexpected type for Scope: %T", value)
	}
	return nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (Scope) GormDataType() string {
	return "string"
}

func (s *Scope) setFromColumn(v string) {
	if v == scopeGlobal {
		s.guildID = ""
		return
	}
	s.guildID = v
}

func (s Scope) LogValue() slog.Value {
	return slog.StringValue(s.String())
}
