package timer

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"syncedcron/internal/recurrence"
	logx "syncedcron/pkg/logx"
)

// Interval re-arms a Timeout after every fire, forming a perpetual schedule
// loop. The callback runs on the timer goroutine and the next occurrence is
// armed only after it returns, so fires of one Interval never overlap.
type Interval struct {
	sched recurrence.Schedule
	fire  func(intendedAt time.Time) error
	opts  Options
	log   logx.Logger

	done atomic.Bool

	mu  sync.Mutex
	cur *Timeout
}

// NewInterval arms the first occurrence of s. Errors and panics raised by
// fire are logged and never stop the loop.
func NewInterval(s recurrence.Schedule, fire func(intendedAt time.Time) error, log logx.Logger, opts Options) *Interval {
	if log.IsZero() {
		log = logx.Nop()
	}
	iv := &Interval{sched: s, fire: fire, opts: opts, log: log}
	iv.mu.Lock()
	iv.cur = NewTimeout(s, iv.onFire, opts)
	iv.mu.Unlock()
	return iv
}

func (iv *Interval) onFire(intendedAt time.Time) {
	// The flag is checked when the wait completes, before running the
	// callback, and again before re-arming.
	if iv.done.Load() {
		return
	}
	iv.invoke(intendedAt)

	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.done.Load() {
		return
	}
	iv.cur = NewTimeout(iv.sched, iv.onFire, iv.opts)
}

func (iv *Interval) invoke(intendedAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			iv.log.Error("exception running scheduled job",
				logx.Time("intended_at", intendedAt),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	if err := iv.fire(intendedAt); err != nil {
		iv.log.Error("exception running scheduled job", logx.Time("intended_at", intendedAt), logx.Err(err))
	}
}

// Cancel stops the loop. A fire already past its wait becomes a no-op at
// the next flag check; a job body already running is not interrupted.
func (iv *Interval) Cancel() {
	iv.done.Store(true)
	iv.mu.Lock()
	cur := iv.cur
	iv.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

// Armed reports whether a future occurrence is pending.
func (iv *Interval) Armed() bool {
	if iv.done.Load() {
		return false
	}
	iv.mu.Lock()
	cur := iv.cur
	iv.mu.Unlock()
	return cur != nil && cur.Armed()
}

// Next returns the occurrence the loop is currently waiting for.
func (iv *Interval) Next() (time.Time, bool) {
	if iv.done.Load() {
		return time.Time{}, false
	}
	iv.mu.Lock()
	cur := iv.cur
	iv.mu.Unlock()
	if cur == nil {
		return time.Time{}, false
	}
	return cur.Target()
}
