package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock trigger time in the local zone of the clock.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTime parses one "HH:MM" value.
func ParseTime(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid trigger time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid trigger time %q: hour out of range", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid trigger time %q: minute out of range", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// ParseTimes parses a list of "HH:MM" values, dropping duplicates. The result
// is sorted by time of day.
func ParseTimes(values []string) ([]TimeOfDay, error) {
	seen := make(map[TimeOfDay]bool, len(values))
	out := make([]TimeOfDay, 0, len(values))
	for _, v := range values {
		t, err := ParseTime(v)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out, nil
}

// Next returns the first instant strictly after now at this time of day.
func (t TimeOfDay) Next(now time.Time) time.Time {
	y, mo, d := now.Date()
	at := time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, now.Location())
	if !at.After(now) {
		at = time.Date(y, mo, d+1, t.Hour, t.Minute, 0, 0, now.Location())
	}
	return at
}

// NextFire returns today at hhmm when that is still in the future, otherwise
// the same time tomorrow.
func NextFire(now time.Time, hhmm string) (time.Time, error) {
	t, err := ParseTime(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return t.Next(now), nil
}
