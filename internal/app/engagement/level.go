package engagement

import (
	"math"

	"github.com/memoryapp/gamify/internal/domain"
)

// MaxLevel caps the level curve.
const MaxLevel = 100

// XPForLevel returns the cumulative XP required to reach a given level.
// Uses an exponential curve: 100 * 1.2^(level-1) for level >= 2.
func XPForLevel(level int) int64 {
	if level <= 1 {
		return 0
	}
	return int64(100 * math.Pow(1.2, float64(level-1)))
}

// LevelForXP returns the level for a given XP amount.
// Iterates upward until cumulative XP exceeds the target.
func LevelForXP(xp int64) int {
	level := 1
	for level < MaxLevel {
		required := XPForLevel(level + 1)
		if xp < required {
			return level
		}
		level++
	}
	return MaxLevel
}

// LevelProgress summarizes where an XP total sits on the curve.
type LevelProgress struct {
	Level       int     `json:"level"`
	XP          int64   `json:"xp"`
	XPToNext    int64   `json:"xp_to_next"`
	ProgressPct float64 `json:"progress_pct"`
}

// ProgressForXP returns the level, the XP remaining until the next one,
// and the percentage covered of the current level's span (0.0–100.0).
func ProgressForXP(xp int64) LevelProgress {
	lp := LevelProgress{Level: LevelForXP(xp), XP: xp}
	if lp.Level >= MaxLevel {
		lp.ProgressPct = 100.0
		return lp
	}
	thisLevel := XPForLevel(lp.Level)
	nextLevel := XPForLevel(lp.Level + 1)
	lp.XPToNext = nextLevel - xp
	if lp.XPToNext < 0 {
		lp.XPToNext = 0
	}
	span := nextLevel - thisLevel
	if span <= 0 {
		lp.ProgressPct = 100.0
		return lp
	}
	pct := float64(xp-thisLevel) / float64(span) * 100.0
	lp.ProgressPct = math.Max(0, math.Min(100, pct))
	return lp
}

// applyGrant credits g to p. XP also moves the level.
func applyGrant(p *domain.Profile, g domain.Grant) {
	switch g.Type {
	case domain.RewardXP:
		p.XP += g.Value
		p.Level = LevelForXP(p.XP)
	case domain.RewardPoints:
		p.Points += g.Value
	case domain.RewardCoins:
		p.Coins += g.Value
	case domain.RewardFreezeToken:
		p.Streak.FreezeTokens += int(g.Value)
	case domain.RewardContactSlot:
		p.ContactSlots += g.Value
	case domain.RewardPremiumDays:
		p.PremiumDays += g.Value
	}
}
