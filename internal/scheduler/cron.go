package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule represents a parsed cron schedule (minute, hour, day, month, weekday)
type CronSchedule struct {
	Minute  map[int]bool // 0-59
	Hour    map[int]bool // 0-23
	Day     map[int]bool // 1-31
	Month   map[int]bool // 1-12
	Weekday map[int]bool // 0-6 (Sunday=0)
}

// ParseCron parses a 5-field cron expression into a CronSchedule
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}
	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour: %w", err)
	}
	day, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month: %w", err)
	}
	weekday, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("weekday: %w", err)
	}
	return &CronSchedule{
		Minute:  minute,
		Hour:    hour,
		Day:     day,
		Month:   month,
		Weekday: weekday,
	}, nil
}

// parseCronField parses a single cron field: *, values, lists, ranges, and
// an optional /step on * or a range.
func parseCronField(field string, min, max int) (map[int]bool, error) {
	result := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		rangePart, step := part, 1
		if i := strings.Index(part, "/"); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step: %s", part)
			}
			rangePart, step = part[:i], n
		}

		start, end, err := parseCronRange(rangePart, min, max)
		if err != nil {
			return nil, err
		}
		if step > 1 && start == end && rangePart != "*" {
			// "5/15" means from 5 to the end of the field
			end = max
		}
		for i := start; i <= end; i += step {
			result[i] = true
		}
	}
	return result, nil
}

func parseCronRange(part string, min, max int) (int, int, error) {
	if part == "*" {
		return min, max, nil
	}
	if strings.Contains(part, "-") {
		rangeParts := strings.Split(part, "-")
		if len(rangeParts) != 2 {
			return 0, 0, fmt.Errorf("invalid range: %s", part)
		}
		start, err1 := strconv.Atoi(rangeParts[0])
		end, err2 := strconv.Atoi(rangeParts[1])
		if err1 != nil || err2 != nil || start > end || start < min || end > max {
			return 0, 0, fmt.Errorf("invalid range: %s", part)
		}
		return start, end, nil
	}
	val, err := strconv.Atoi(part)
	if err != nil || val < min || val > max {
		return 0, 0, fmt.Errorf("invalid value: %s", part)
	}
	return val, val, nil
}

// maxCronLookahead bounds Next for schedules that can never match, such as
// "0 0 31 2 *".
const maxCronLookahead = 5 * 366 * 24 * time.Hour

// Next returns the next time after 'after' that matches the schedule, or the
// zero time if nothing matches within five years.
func (c *CronSchedule) Next(after time.Time) time.Time {
	t := after.Add(time.Minute).Truncate(time.Minute)
	limit := after.Add(maxCronLookahead)
	for t.Before(limit) {
		if !c.Month[int(t.Month())] {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.Day[t.Day()] || !c.Weekday[int(t.Weekday())] {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.Hour[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if c.Minute[t.Minute()] {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}
