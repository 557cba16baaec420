package delay

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sriram-PR/politecrawler/pkg/utils"
)

// ErrInvalidSchedule is returned when schedule text cannot be parsed.
var ErrInvalidSchedule = utils.ErrInvalidSchedule

const minWeekdayLength = 3

// Weekdays in schedule order; index is the value used by day-of-week ranges.
var weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Range is an inclusive interval over a cyclic domain.
// When Lo > Hi the range wraps around the end of the cycle.
type Range struct {
	Lo int
	Hi int
}

// Contains reports whether v falls inside the (possibly wrapping) range.
func (r Range) Contains(v int) bool {
	if r.Lo <= r.Hi {
		return v >= r.Lo && v <= r.Hi
	}
	return v >= r.Lo || v <= r.Hi
}

// Schedule is a delay rule applying to a window of time.
// Nil ranges match any value.
type Schedule struct {
	DayOfWeek  *Range // 0 = Monday .. 6 = Sunday
	DayOfMonth *Range // 1..31
	Time       *Range // HHMM, 0..2359
	Delay      time.Duration
}

// ParseSchedule builds a Schedule from its textual ranges, e.g.
// "from Saturday to Sunday", "1 to 15", "from 22:00 to 06:00".
// Empty strings leave the matching range unset.
func ParseSchedule(dayOfWeek, dayOfMonth, timeOfDay string, d time.Duration) (Schedule, error) {
	s := Schedule{Delay: d}
	var err error
	if s.DayOfWeek, err = parseDayOfWeekRange(dayOfWeek); err != nil {
		return Schedule{}, err
	}
	if s.DayOfMonth, err = parseDayOfMonthRange(dayOfMonth); err != nil {
		return Schedule{}, err
	}
	if s.Time, err = parseTimeRange(timeOfDay); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Matches reports whether t falls inside every range set on the schedule.
func (s Schedule) Matches(t time.Time) bool {
	if s.DayOfWeek != nil && !s.DayOfWeek.Contains(weekdayIndex(t.Weekday())) {
		return false
	}
	if s.DayOfMonth != nil && !s.DayOfMonth.Contains(t.Day()) {
		return false
	}
	return s.Time == nil || s.Time.Contains(t.Hour()*100+t.Minute())
}

func (s Schedule) String() string {
	var parts []string
	if s.DayOfWeek != nil {
		parts = append(parts, fmt.Sprintf("dow=%s-%s", weekdays[s.DayOfWeek.Lo], weekdays[s.DayOfWeek.Hi]))
	}
	if s.DayOfMonth != nil {
		parts = append(parts, fmt.Sprintf("dom=%d-%d", s.DayOfMonth.Lo, s.DayOfMonth.Hi))
	}
	if s.Time != nil {
		parts = append(parts, fmt.Sprintf("time=%04d-%04d", s.Time.Lo, s.Time.Hi))
	}
	parts = append(parts, "delay="+s.Delay.String())
	return strings.Join(parts, " ")
}

// weekdayIndex maps time.Weekday (Sunday = 0) onto the Monday-first index.
func weekdayIndex(w time.Weekday) int {
	return (int(w) + 6) % 7
}

// splitRange normalizes "from X to Y" / "X-Y" text and returns both ends.
func splitRange(raw string) (string, string, error) {
	s := strings.ToLower(raw)
	s = strings.ReplaceAll(s, "from", "")
	s = strings.ReplaceAll(s, "to", "-")
	s = strings.ReplaceAll(s, " ", "")
	lo, hi, ok := strings.Cut(s, "-")
	if !ok || lo == "" || hi == "" {
		return "", "", fmt.Errorf("%w: invalid range format %q", ErrInvalidSchedule, raw)
	}
	return lo, hi, nil
}

func parseDayOfWeekRange(raw string) (*Range, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	lo, hi, err := splitRange(raw)
	if err != nil {
		return nil, err
	}
	loIdx, err := parseWeekday(lo)
	if err != nil {
		return nil, err
	}
	hiIdx, err := parseWeekday(hi)
	if err != nil {
		return nil, err
	}
	return &Range{Lo: loIdx, Hi: hiIdx}, nil
}

func parseWeekday(s string) (int, error) {
	if len(s) < minWeekdayLength {
		return 0, fmt.Errorf("%w: invalid day of week %q", ErrInvalidSchedule, s)
	}
	prefix := s[:minWeekdayLength]
	for i, d := range weekdays {
		if d == prefix {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid day of week %q", ErrInvalidSchedule, s)
}

func parseDayOfMonthRange(raw string) (*Range, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	lo, hi, err := splitRange(raw)
	if err != nil {
		return nil, err
	}
	loDay, err := parseDayOfMonth(lo)
	if err != nil {
		return nil, err
	}
	hiDay, err := parseDayOfMonth(hi)
	if err != nil {
		return nil, err
	}
	return &Range{Lo: loDay, Hi: hiDay}, nil
}

func parseDayOfMonth(s string) (int, error) {
	d, err := strconv.Atoi(s)
	if err != nil || d < 1 || d > 31 {
		return 0, fmt.Errorf("%w: invalid day of month %q", ErrInvalidSchedule, s)
	}
	return d, nil
}

func parseTimeRange(raw string) (*Range, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	lo, hi, err := splitRange(raw)
	if err != nil {
		return nil, err
	}
	loTime, err := parseTimeOfDay(lo)
	if err != nil {
		return nil, err
	}
	hiTime, err := parseTimeOfDay(hi)
	if err != nil {
		return nil, err
	}
	return &Range{Lo: loTime, Hi: hiTime}, nil
}

// parseTimeOfDay turns "HH:MM" or "HH" into HHMM.
func parseTimeOfDay(s string) (int, error) {
	hourText, minuteText, hasMinutes := strings.Cut(s, ":")
	hour, err := strconv.Atoi(hourText)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: invalid time %q", ErrInvalidSchedule, s)
	}
	minute := 0
	if hasMinutes {
		minute, err = strconv.Atoi(minuteText)
		if err != nil || minute < 0 || minute > 59 {
			return 0, fmt.Errorf("%w: invalid time %q", ErrInvalidSchedule, s)
		}
	}
	return hour*100 + minute, nil
}
