package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownAgeGroup is returned when a bracket label is not one of the known classes.
	ErrUnknownAgeGroup = errors.New("policy: unknown age group")

	// ErrInvalidClockTime is returned when a bedtime cannot be parsed.
	ErrInvalidClockTime = errors.New("policy: invalid clock time")
)

// AgeGroup is one of the classifier's closed set of brackets.
type AgeGroup string

const (
	AgeGroup1to3   AgeGroup = "1to3"
	AgeGroup4to6   AgeGroup = "4to6"
	AgeGroup7to9   AgeGroup = "7to9"
	AgeGroup10to12 AgeGroup = "10to12"
	AgeGroup13to15 AgeGroup = "13to15"
	AgeGroupAdults AgeGroup = "adults"
)

// AgeGroups lists every bracket in classifier output order.
var AgeGroups = []AgeGroup{
	AgeGroup1to3,
	AgeGroup4to6,
	AgeGroup7to9,
	AgeGroup10to12,
	AgeGroup13to15,
	AgeGroupAdults,
}

// ParseAgeGroup validates a bracket label.
func ParseAgeGroup(s string) (AgeGroup, error) {
	normalized := AgeGroup(strings.ToLower(strings.TrimSpace(s)))
	for _, g := range AgeGroups {
		if g == normalized {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAgeGroup, s)
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown brackets.
func (g *AgeGroup) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAgeGroup(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// ClockTime is a local wall-clock time of day with minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

var clockLayouts = []string{"15:04", "3:04 PM", "3:04PM", "3:04 pm"}

// ParseClockTime parses "21:00" or "9:00 PM".
func ParseClockTime(s string) (ClockTime, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, trimmed)
		if err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
}

// MustParseClockTime is ParseClockTime for constants.
func MustParseClockTime(s string) ClockTime {
	ct, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return ct
}

// Minutes returns minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

// String formats as HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ReachedBy reports whether the time of day of t is at or after c.
func (c ClockTime) ReachedBy(t time.Time) bool {
	return t.Hour()*60+t.Minute() >= c.Minutes()
}

// MarshalJSON encodes as "HH:MM".
func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts any layout ParseClockTime accepts.
func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// AgeGroupPolicy is the static limit and bedtime for one bracket.
type AgeGroupPolicy struct {
	AgeGroup               AgeGroup  `json:"age_group"`
	ScreenTimeLimitMinutes int       `json:"screen_time_limit_minutes"` // 0 = not a monitored child group
	Bedtime                ClockTime `json:"bedtime"`
	IsChild                bool      `json:"is_child"`
}

// Table maps brackets to their policies.
type Table map[AgeGroup]AgeGroupPolicy

// DefaultTable returns the stock per-bracket limits.
func DefaultTable() Table {
	return Table{
		AgeGroup1to3:   {AgeGroup: AgeGroup1to3, ScreenTimeLimitMinutes: 45, Bedtime: MustParseClockTime("20:00"), IsChild: true},
		AgeGroup4to6:   {AgeGroup: AgeGroup4to6, ScreenTimeLimitMinutes: 60, Bedtime: MustParseClockTime("20:30"), IsChild: true},
		AgeGroup7to9:   {AgeGroup: AgeGroup7to9, ScreenTimeLimitMinutes: 90, Bedtime: MustParseClockTime("21:00"), IsChild: true},
		AgeGroup10to12: {AgeGroup: AgeGroup10to12, ScreenTimeLimitMinutes: 120, Bedtime: MustParseClockTime("21:30"), IsChild: true},
		AgeGroup13to15: {AgeGroup: AgeGroup13to15, ScreenTimeLimitMinutes: 150, Bedtime: MustParseClockTime("22:00"), IsChild: true},
		AgeGroupAdults: {AgeGroup: AgeGroupAdults, ScreenTimeLimitMinutes: 0, Bedtime: MustParseClockTime("00:00"), IsChild: false},
	}
}

// Lookup returns the policy for a bracket.
func (t Table) Lookup(g AgeGroup) (AgeGroupPolicy, bool) {
	p, ok := t[g]
	return p, ok
}

// IsChild reports whether the bracket is a monitored child group.
// Unknown brackets are never children.
func (t Table) IsChild(g AgeGroup) bool {
	p, ok := t[g]
	return ok && p.IsChild
}

// Groups returns the configured brackets in classifier order.
func (t Table) Groups() []AgeGroup {
	groups := make([]AgeGroup, 0, len(t))
	for g := range t {
		groups = append(groups, g)
	}
	order := make(map[AgeGroup]int, len(AgeGroups))
	for i, g := range AgeGroups {
		order[g] = i
	}
	sort.Slice(groups, func(i, j int) bool { return order[groups[i]] < order[groups[j]] })
	return groups
}

// LockReason is why the device must be locked.
type LockReason string

const (
	LockNone               LockReason = ""
	LockScreenTimeExceeded LockReason = "screen_time_exceeded"
	LockBedtime            LockReason = "bedtime"
)

// Facts are the inputs to a lock decision.
type Facts struct {
	AgeGroup       AgeGroup
	LimitMinutes   int
	ElapsedMinutes int
	Bedtime        ClockTime
	Now            time.Time
}
