package guildxp

import (
	"math"
	"time"
)

// XPScheme selects the XP-awarding algorithm for a guild. It controls the
// cooldown between awards, the points-per-message formula, and which level
// curve applies.
type XPScheme string

const (
	// SchemeGlobal awards content-length-derived points to the cross-guild
	// leaderboard, using the classic level curve.
	SchemeGlobal XPScheme = "global"

	// SchemeMee6 awards uniform random points to the guild leaderboard,
	// using the mee6-like level curve.
	SchemeMee6 XPScheme = "mee6-like"

	// SchemeLocal awards content-length-derived points (scaled by the
	// guild rate) to the guild leaderboard, using the classic level curve.
	SchemeLocal XPScheme = "local"
)

var (
	// classicXPCooldown is the minimum delay between two awards to the same
	// user under the global/local schemes.
	classicXPCooldown = 5 * time.Second

	// mee6XPCooldown is the minimum delay between two awards to the same
	// user under the mee6-like scheme.
	mee6XPCooldown = 60 * time.Second
)

func (s XPScheme) Valid() bool {
	switch s {
	case SchemeGlobal, SchemeMee6, SchemeLocal:
		return true
	default:
		return false
	}
}

// Cooldown returns the minimum delay between two awards to the same user
// under this scheme.
func (s XPScheme) Cooldown() time.Duration {
	if s == SchemeMee6 {
		return mee6XPCooldown
	}
	return classicXPCooldown
}

// Scope returns the leaderboard scope messages in the given guild are
// scored against, under this scheme.
func (s XPScheme) Scope(guildID string) Scope {
	if s == SchemeGlobal {
		return GlobalScope()
	}
	return GuildScope(guildID)
}

// LevelInfo describes where a cumulative XP total sits on a level curve.
type LevelInfo struct {
	// Level is the current level.
	Level int64 `json:"level"`

	// XPForNextLevel is the cumulative XP required to reach the next level.
	XPForNextLevel int64 `json:"xp_for_next_level"`

	// XPForCurrentLevel is the cumulative XP required to reach the
	// current level.
	XPForCurrentLevel int64 `json:"xp_for_current_level"`
}

// CalcLevel returns the level reached with the given cumulative XP under
// the given scheme, along with the thresholds for the current and next
// levels.
//
// The two curve families differ at the origin: on the mee6-like curve,
// xp=0 is level 0 with a fixed 100 XP threshold for level 1; on the
// classic curve, xp=0 is reported as level 1 with the level-2 threshold.
func CalcLevel(xp int64, scheme XPScheme) LevelInfo {
	if scheme == SchemeMee6 {
		if xp == 0 {
			return LevelInfo{Level: 0, XPForNextLevel: xpForLevelMee6(1)}
		}
		level := levelForXPMee6(xp)
		return LevelInfo{
			Level:             level,
			XPForNextLevel:    xpForLevelMee6(level + 1),
			XPForCurrentLevel: xpForLevelMee6(level),
		}
	}
	if xp == 0 {
		return LevelInfo{Level: 1, XPForNextLevel: xpForLevelClassic(2)}
	}
	level := levelForXPClassic(xp)
	return LevelInfo{
		Level:             level,
		XPForNextLevel:    xpForLevelClassic(level + 1),
		XPForCurrentLevel: xpForLevelClassic(level),
	}
}

// LevelForXP returns only the level component of CalcLevel.
func LevelForXP(xp int64, scheme XPScheme) int64 {
	return CalcLevel(xp, scheme).Level
}

// XPForLevel returns the minimum cumulative XP required to reach the given
// level under the given scheme.
func XPForLevel(level int64, scheme XPScheme) int64 {
	if scheme == SchemeMee6 {
		return xpForLevelMee6(level)
	}
	return xpForLevelClassic(level)
}

const (
	classicCurveFactor   = 0.056
	classicCurveExponent = 0.65
)

// levelForXPClassic maps cumulative XP to a level on the classic
// (global/local) power curve.
func levelForXPClassic(xp int64) int64 {
	if xp <= 0 {
		return 0
	}
	return int64(math.Floor(classicCurveFactor * math.Pow(float64(xp), classicCurveExponent)))
}

// xpForLevelClassic inverts levelForXPClassic: it returns the smallest XP
// total that maps to at least the given level. The analytic inverse is
// nudged to absorb floating point error at the level boundaries, keeping
// the two functions mutually consistent.
func xpForLevelClassic(level int64) int64 {
	if level <= 0 {
		return 0
	}
	xp := int64(math.Ceil(math.Pow(
		float64(level)/classicCurveFactor,
		1/classicCurveExponent,
	)))
	for xp > 1 && levelForXPClassic(xp-1) >= level {
		xp--
	}
	for levelForXPClassic(xp) < level {
		xp++
	}
	return xp
}

// xpForLevelMee6 returns the cumulative XP required to reach the given
// level on the mee6-like curve: the closed form of summing
// 5l^2 + 50l + 100 over levels 0..L-1. The product is always divisible
// by 6, so the division is exact in integer arithmetic.
func xpForLevelMee6(level int64) int64 {
	if level <= 0 {
		return 0
	}
	return 5 * level * (2*level*level + 27*level + 91) / 6
}

// levelForXPMee6 maps cumulative XP to a level on the mee6-like curve.
func levelForXPMee6(xp int64) int64 {
	if xp <= 0 {
		return 0
	}
	var level int64
	for xpForLevelMee6(level+1) <= xp {
		level++
	}
	return level
}
