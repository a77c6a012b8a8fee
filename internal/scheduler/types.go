package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"syncedcron/internal/eventbus"
	"syncedcron/internal/recurrence"
	"syncedcron/internal/storage"
	"syncedcron/internal/timer"
	logx "syncedcron/pkg/logx"
)

// DefaultTTL is the record retention used when Options.TTL is zero.
const DefaultTTL = 172800 * time.Second

var (
	ErrInvalidEntry = errors.New("scheduler: invalid entry")
	ErrUnknownEntry = errors.New("scheduler: unknown entry")
)

// JobFunc is the body of a job. intendedAt is the scheduled instant (whole
// seconds), not the instant the timer actually fired. The returned value is
// stored as the record's result and must be JSON-serializable.
type JobFunc func(ctx context.Context, intendedAt time.Time, name string) (any, error)

// Entry declares a job.
type Entry struct {
	Name     string
	Schedule recurrence.Schedule
	Job      JobFunc
	// Persist defaults to true. When false the job runs on every process
	// without claiming or recording anything.
	Persist *bool
}

func (e Entry) persistent() bool { return e.Persist == nil || *e.Persist }

func (e Entry) validate() error {
	switch {
	case e.Name == "":
		return errors.Wrap(ErrInvalidEntry, "name required")
	case e.Schedule == nil:
		return errors.Wrapf(ErrInvalidEntry, "%q: schedule required", e.Name)
	case e.Job == nil:
		return errors.Wrapf(ErrInvalidEntry, "%q: job required", e.Name)
	}
	return nil
}

// Options configures a Scheduler. Store is required.
type Options struct {
	Store  storage.Store
	Logger logx.Logger
	// Bus receives cron.* execution events. Optional.
	Bus eventbus.Bus

	// UseUTC evaluates schedules in UTC instead of local time.
	UseUTC bool
	// TTL is the record retention: zero means DefaultTTL, negative keeps
	// records forever.
	TTL time.Duration
	// JobTimeout cancels the job's context after this long. Zero disables.
	JobTimeout time.Duration
	// InstanceID is recorded on claimed records. Defaults to a random UUID.
	InstanceID string

	// Timer tunes arming. Location defaults from UseUTC.
	Timer timer.Options
}

// Status is how one invocation of the protocol ended.
type Status int

const (
	// Succeeded: the job ran and returned without error.
	Succeeded Status = iota
	// Failed: the job ran and returned an error or panicked.
	Failed
	// Skipped: the occurrence was already claimed.
	Skipped
	// Abandoned: a store failure stopped the protocol.
	Abandoned
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Run reports one invocation of the protocol.
type Run struct {
	// RecordID identifies the occurrence's record; empty for entries that
	// do not persist.
	RecordID   string
	Name       string
	IntendedAt time.Time
	Status     Status
	Result     any
	// JobErr is the job's failure; it is recorded, never returned.
	JobErr error
}

// PanicError is a recovered job panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }
