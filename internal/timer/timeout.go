package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"syncedcron/internal/recurrence"
)

// MaxDelay is the longest single wait armed by a Timeout. Longer waits are
// chunked: the timer sleeps MaxDelay, then waits out the remainder to the
// same target.
// The value matches the 32-bit millisecond limit common to timer APIs.
const MaxDelay = 2147483647 * time.Millisecond

// MinLead is the minimum distance between "now" and an occurrence for it to
// be armed. Closer occurrences are skipped in favour of the following one.
const MinLead = time.Second

// Options tunes a Timeout or Interval. The zero value uses the package
// defaults and local time.
type Options struct {
	MaxDelay time.Duration
	MinLead  time.Duration
	// Location is used to interpret wall-clock rules (UTC vs local).
	Location *time.Location
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxDelay <= 0 {
		o.MaxDelay = MaxDelay
	}
	if o.MinLead <= 0 {
		o.MinLead = MinLead
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Timeout is a single-shot wake-up for the next occurrence of a schedule.
//
// Arming is done once at construction. The callback receives the intended
// occurrence instant, not the (slightly later) instant the wait completed.
type Timeout struct {
	sched recurrence.Schedule
	fire  func(intendedAt time.Time)
	opts  Options

	mu        sync.Mutex
	t         *time.Timer
	gen       uint64
	target    time.Time
	cancelled bool
	dormant   bool

	chunks atomic.Int64
}

// NewTimeout arms a wait for the next occurrence of s and returns it.
// If the schedule has no usable occurrence the Timeout is dormant.
func NewTimeout(s recurrence.Schedule, fire func(intendedAt time.Time), opts Options) *Timeout {
	t := &Timeout{sched: s, fire: fire, opts: opts.withDefaults()}
	t.mu.Lock()
	t.armLocked()
	t.mu.Unlock()
	return t
}

// armLocked computes the next target and arms either the real wait or a
// chunk continuation. Call with t.mu held.
func (t *Timeout) armLocked() {
	if t.cancelled {
		return
	}
	now := t.opts.Now().In(t.opts.Location)
	next := recurrence.NextN(t.sched, now, 2)
	if len(next) == 0 {
		t.dormant = true
		return
	}

	target := next[0]
	if target.Sub(now) < t.opts.MinLead {
		if len(next) < 2 {
			// One-shot whose only occurrence is imminent or gone.
			t.dormant = true
			return
		}
		target = next[1]
	}
	t.target = target
	t.waitLocked(now)
}

// waitLocked arms the wait for t.target: a MaxDelay chunk when the target is
// further away, otherwise the exact remainder. The target chosen at arm time
// stays fixed across chunks, even when the final remainder is shorter than
// MinLead.
func (t *Timeout) waitLocked(now time.Time) {
	t.gen++
	gen := t.gen
	target := t.target
	delay := target.Sub(now)
	if delay > t.opts.MaxDelay {
		t.chunks.Add(1)
		t.t = time.AfterFunc(t.opts.MaxDelay, func() { t.rearm(gen) })
		return
	}
	if delay < 0 {
		delay = 0
	}
	t.t = time.AfterFunc(delay, func() { t.complete(gen, target) })
}

func (t *Timeout) rearm(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || gen != t.gen {
		return
	}
	t.waitLocked(t.opts.Now().In(t.opts.Location))
}

func (t *Timeout) complete(gen uint64, target time.Time) {
	t.mu.Lock()
	if t.cancelled || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.t = nil
	t.mu.Unlock()

	t.fire(target)
}

// Cancel invalidates any pending wait, including one mid-chunk.
func (t *Timeout) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

// Armed reports whether a wait is pending.
func (t *Timeout) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil && !t.cancelled
}

// Target returns the occurrence the pending wait is heading for.
func (t *Timeout) Target() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dormant || t.cancelled || t.t == nil {
		return time.Time{}, false
	}
	return t.target, true
}
