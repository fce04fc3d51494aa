// Package rules loads the engine's versioned rules catalog: streak
// milestones, pity thresholds, spin probabilities and reward tables, the
// quest template pool, and alert windows. Values live in YAML so they can
// change without touching engine logic.
package rules

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/memoryapp/gamify/internal/domain"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Duration is a time.Duration that reads "5m" style strings from YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Rules is the full catalog.
type Rules struct {
	Version              string      `yaml:"version"`
	CutoverMinutes       int         `yaml:"cutover_minutes"`
	StartingFreezeTokens int         `yaml:"starting_freeze_tokens"`
	MaxCASAttempts       int         `yaml:"max_cas_attempts"`
	Milestones           []Milestone `yaml:"milestones"`
	Spin                 SpinRules   `yaml:"spin"`
	Quests               QuestRules  `yaml:"quests"`
	Alerts               AlertRules  `yaml:"alerts"`
}

// Milestone is a streak length paid out the first time it is reached.
type Milestone struct {
	Days    int            `yaml:"days"`
	Rewards []domain.Grant `yaml:"rewards"`
}

// WeightedGrant is one entry of a rarity's reward table.
type WeightedGrant struct {
	domain.Grant `yaml:",inline"`
	Weight       float64 `yaml:"weight"`
}

// SpinRules drive the reward distributor.
type SpinRules struct {
	PityThresholds map[domain.Rarity]int             `yaml:"pity_thresholds"`
	Probabilities  map[domain.Rarity]float64         `yaml:"probabilities"`
	Rewards        map[domain.Rarity][]WeightedGrant `yaml:"rewards"`
}

// FlashRules configure probabilistic flash quests.
type FlashRules struct {
	Chance     float64  `yaml:"chance"`
	Duration   Duration `yaml:"duration"`
	Multiplier float64  `yaml:"multiplier"`
}

// QuestRules configure generation and retention.
type QuestRules struct {
	DailyCount        int                                                `yaml:"daily_count"`
	WeeklyCount       int                                                `yaml:"weekly_count"`
	Retention         Duration                                           `yaml:"retention"`
	Flash             FlashRules                                         `yaml:"flash"`
	DifficultyWeights map[domain.QuestKind]map[domain.Difficulty]float64 `yaml:"difficulty_weights"`
	Templates         []domain.QuestTemplate                             `yaml:"templates"`
}

// AlertRules configure alert derivation windows.
type AlertRules struct {
	QuestUrgencyWindow Duration `yaml:"quest_urgency_window"`
	StreakRiskWindow   Duration `yaml:"streak_risk_window"`
}

// Default returns the embedded catalog.
func Default() (*Rules, error) {
	return Parse(defaultRules)
}

// MustDefault is Default for callers that treat a broken embedded
// catalog as a programming error.
func MustDefault() *Rules {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Load reads a catalog file, or the embedded default when path is empty.
func Load(path string) (*Rules, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if r.MaxCASAttempts == 0 {
		r.MaxCASAttempts = 5
	}
	sort.Slice(r.Milestones, func(i, j int) bool { return r.Milestones[i].Days < r.Milestones[j].Days })
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the catalog's internal consistency.
func (r *Rules) Validate() error {
	if r.Version == "" {
		return fmt.Errorf("rules: version is required")
	}
	if r.CutoverMinutes < 0 || r.CutoverMinutes >= 24*60 {
		return fmt.Errorf("rules: cutover_minutes %d out of range", r.CutoverMinutes)
	}
	if r.StartingFreezeTokens < 0 {
		return fmt.Errorf("rules: starting_freeze_tokens must be >= 0")
	}
	if r.MaxCASAttempts < 1 {
		return fmt.Errorf("rules: max_cas_attempts must be >= 1")
	}

	seenDays := make(map[int]bool)
	for _, m := range r.Milestones {
		if m.Days <= 0 {
			return fmt.Errorf("rules: milestone days must be positive, got %d", m.Days)
		}
		if seenDays[m.Days] {
			return fmt.Errorf("rules: duplicate milestone %d", m.Days)
		}
		seenDays[m.Days] = true
		if len(m.Rewards) == 0 {
			return fmt.Errorf("rules: milestone %d has no rewards", m.Days)
		}
		for _, g := range m.Rewards {
			if err := validGrant(g); err != nil {
				return fmt.Errorf("rules: milestone %d: %w", m.Days, err)
			}
		}
	}

	if err := r.Spin.validate(); err != nil {
		return err
	}
	return r.Quests.validate()
}

func (s SpinRules) validate() error {
	for _, rarity := range domain.PityRarities {
		if s.PityThresholds[rarity] <= 0 {
			return fmt.Errorf("rules: pity threshold for %s must be positive", rarity)
		}
	}
	var sum float64
	for rarity, p := range s.Probabilities {
		if !rarity.Valid() {
			return fmt.Errorf("rules: unknown rarity %q in probabilities", rarity)
		}
		if p < 0 {
			return fmt.Errorf("rules: negative probability for %s", rarity)
		}
		sum += p
		if p == 0 {
			continue
		}
		table := s.Rewards[rarity]
		if len(table) == 0 {
			return fmt.Errorf("rules: rarity %s is drawable but has no reward table", rarity)
		}
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("rules: spin probabilities sum to %.6f, want 1", sum)
	}
	// Pity can force a rarity whose base probability is zero, so every
	// pity rarity needs a reward table too.
	for _, rarity := range domain.PityRarities {
		if len(s.Rewards[rarity]) == 0 {
			return fmt.Errorf("rules: rarity %s has no reward table", rarity)
		}
	}
	for rarity, table := range s.Rewards {
		var total float64
		for _, wg := range table {
			if err := validGrant(wg.Grant); err != nil {
				return fmt.Errorf("rules: %s reward: %w", rarity, err)
			}
			if wg.Weight < 0 {
				return fmt.Errorf("rules: %s reward has negative weight", rarity)
			}
			total += wg.Weight
		}
		if total <= 0 {
			return fmt.Errorf("rules: %s reward weights sum to zero", rarity)
		}
	}
	return nil
}

// minFlashDuration is the shortest flash quest the catalog accepts.
const minFlashDuration = time.Second

func (q QuestRules) validate() error {
	if q.DailyCount < 0 || q.WeeklyCount < 0 {
		return fmt.Errorf("rules: quest counts must be >= 0")
	}
	if q.Flash.Chance < 0 || q.Flash.Chance > 1 {
		return fmt.Errorf("rules: flash chance %.3f out of [0,1]", q.Flash.Chance)
	}
	if q.Flash.Chance > 0 && q.Flash.Duration.Duration < minFlashDuration {
		return fmt.Errorf("rules: flash duration %s is below %s", q.Flash.Duration.Duration, minFlashDuration)
	}
	if q.Flash.Multiplier != 0 && q.Flash.Multiplier < 1 {
		return fmt.Errorf("rules: flash multiplier must be >= 1")
	}

	ids := make(map[string]bool)
	eligible := make(map[domain.QuestKind]int)
	for _, t := range q.Templates {
		if t.ID == "" || ids[t.ID] {
			return fmt.Errorf("rules: quest template id %q missing or duplicated", t.ID)
		}
		ids[t.ID] = true
		if t.Action == "" {
			return fmt.Errorf("rules: template %s has no action", t.ID)
		}
		if t.Target <= 0 {
			return fmt.Errorf("rules: template %s target must be positive", t.ID)
		}
		if !validDifficulty(t.Difficulty) {
			return fmt.Errorf("rules: template %s has unknown difficulty %q", t.ID, t.Difficulty)
		}
		if rw := t.Rewards; rw.XP < 0 || rw.Points < 0 || rw.Coins < 0 || rw.XP+rw.Points+rw.Coins == 0 {
			return fmt.Errorf("rules: template %s needs a positive reward and no negative ones", t.ID)
		}
		if len(t.Kinds) == 0 {
			return fmt.Errorf("rules: template %s lists no kinds", t.ID)
		}
		for _, k := range t.Kinds {
			if !k.Valid() {
				return fmt.Errorf("rules: template %s has unknown kind %q", t.ID, k)
			}
			eligible[k]++
		}
	}
	if eligible[domain.QuestDaily] < q.DailyCount {
		return fmt.Errorf("rules: %d daily quests requested, only %d templates", q.DailyCount, eligible[domain.QuestDaily])
	}
	if eligible[domain.QuestWeekly] < q.WeeklyCount {
		return fmt.Errorf("rules: %d weekly quests requested, only %d templates", q.WeeklyCount, eligible[domain.QuestWeekly])
	}
	if q.Flash.Chance > 0 && eligible[domain.QuestFlash] == 0 {
		return fmt.Errorf("rules: flash quests enabled without flash templates")
	}
	for kind, weights := range q.DifficultyWeights {
		if !kind.Valid() {
			return fmt.Errorf("rules: unknown kind %q in difficulty_weights", kind)
		}
		for d, w := range weights {
			if !validDifficulty(d) || w < 0 {
				return fmt.Errorf("rules: bad difficulty weight %s=%v for %s", d, w, kind)
			}
		}
	}
	return nil
}

// Milestone returns the milestone reached at exactly days, if any.
func (r *Rules) Milestone(days int) (Milestone, bool) {
	for _, m := range r.Milestones {
		if m.Days == days {
			return m, true
		}
	}
	return Milestone{}, false
}

// NextMilestone returns the smallest milestone strictly above days.
func (r *Rules) NextMilestone(days int) (Milestone, bool) {
	for _, m := range r.Milestones {
		if m.Days > days {
			return m, true
		}
	}
	return Milestone{}, false
}

// TemplatesFor returns the templates eligible for kind, in catalog order.
func (r *Rules) TemplatesFor(kind domain.QuestKind) []domain.QuestTemplate {
	var out []domain.QuestTemplate
	for _, t := range r.Quests.Templates {
		if t.Eligible(kind) {
			out = append(out, t)
		}
	}
	return out
}

func validGrant(g domain.Grant) error {
	if !g.Type.Valid() {
		return fmt.Errorf("unknown reward type %q", g.Type)
	}
	if g.Value <= 0 {
		return fmt.Errorf("reward %s value must be positive", g.Type)
	}
	return nil
}

func validDifficulty(d domain.Difficulty) bool {
	for _, x := range domain.Difficulties {
		if x == d {
			return true
		}
	}
	return false
}
