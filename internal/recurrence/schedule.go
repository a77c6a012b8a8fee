package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next occurrence strictly after t, or the zero time when
// the schedule is exhausted. It is satisfied by every cron.Schedule.
type Schedule interface {
	Next(t time.Time) time.Time
}

var _ Schedule = cron.Schedule(nil)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron parses a cron expression (5 or 6 fields, or a descriptor like @hourly).
// "@every <d>" yields the same anchored schedule as Every.
func Cron(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	if cd, ok := s.(cron.ConstantDelaySchedule); ok {
		return Every(cd.Delay), nil
	}
	return s, nil
}

// Every returns a fixed-interval schedule with second granularity. Its
// occurrences are the multiples of d since the Unix epoch (taken in the
// location of the instant passed to Next), so every process computes the
// same instants no matter when it started. Intervals below one second are
// rounded up to one second.
func Every(d time.Duration) Schedule {
	d = d.Truncate(time.Second)
	if d < time.Second {
		d = time.Second
	}
	return everySchedule{d: d}
}

type everySchedule struct{ d time.Duration }

func (s everySchedule) Next(t time.Time) time.Time {
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, t.Location())
	since := t.Sub(epoch)
	k := since / s.d
	if since < 0 && since%s.d != 0 {
		k-- // floor, not truncation
	}
	return epoch.Add((k + 1) * s.d)
}

// Once returns a schedule with a single occurrence at "at".
func Once(at time.Time) Schedule {
	return onceSchedule{at: at}
}

type onceSchedule struct{ at time.Time }

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at.In(t.Location())
	}
	return time.Time{}
}

// NextN returns up to n occurrences after from, stopping early when the
// schedule runs out.
func NextN(s Schedule, from time.Time, n int) []time.Time {
	if s == nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
