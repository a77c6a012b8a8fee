package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncedcron/internal/config"
	"syncedcron/internal/eventbus"
	"syncedcron/internal/storage"
	"syncedcron/internal/timer"
	logx "syncedcron/pkg/logx"
)

type entry struct {
	Entry
	// iv is non-nil only while the entry is armed.
	iv *timer.Interval
}

// Scheduler owns a set of named entries and their timers.
//
// While running, every entry with a remaining occurrence is armed; while
// not running, none is. Methods are safe for concurrent use.
type Scheduler struct {
	store    storage.Store
	log      logx.Logger
	bus      eventbus.Bus
	ttl      time.Duration
	timeout  time.Duration
	instance string
	topts    timer.Options

	mu      sync.Mutex
	entries map[string]*entry
	running bool
}

// New builds a Scheduler. A missing store is a configuration error.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, config.Invalid("store", "store required", "open one with storage.Open before building the scheduler")
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	instance := opts.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	topts := opts.Timer
	if topts.Location == nil {
		if opts.UseUTC {
			topts.Location = time.UTC
		} else {
			topts.Location = time.Local
		}
	}
	if topts.Now == nil {
		topts.Now = time.Now
	}

	return &Scheduler{
		store:    opts.Store,
		log:      log,
		bus:      opts.Bus,
		ttl:      ttl,
		timeout:  opts.JobTimeout,
		instance: instance,
		topts:    topts,
		entries:  map[string]*entry{},
	}, nil
}

// InstanceID is the claimant recorded on records this process creates.
func (s *Scheduler) InstanceID() string { return s.instance }

// Add registers e. A name that is already registered is left untouched.
// If the scheduler is running the entry is armed immediately.
func (s *Scheduler) Add(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Name]; ok {
		s.log.Debug(fmt.Sprintf("Not adding %q: already registered", e.Name))
		return nil
	}
	ent := &entry{Entry: e}
	s.entries[e.Name] = ent
	if s.running {
		s.armLocked(ent)
	}
	return nil
}

// Start arms every entry that is not armed yet.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.namesLocked() {
		if ent := s.entries[name]; ent.iv == nil {
			s.armLocked(ent)
		}
	}
	s.running = true
}

// Pause disarms every entry but keeps them registered. Occurrences that
// pass while paused are not caught up on the next Start.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range s.entries {
		s.disarmLocked(ent)
	}
	s.running = false
}

// Stop removes every entry.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.namesLocked() {
		s.removeLocked(name)
	}
	s.running = false
}

// Remove disarms and forgets the named entry. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
}

func (s *Scheduler) removeLocked(name string) {
	ent, ok := s.entries[name]
	if !ok {
		return
	}
	s.disarmLocked(ent)
	delete(s.entries, name)
	s.log.Info(fmt.Sprintf("Removed %q", name))
}

// NextScheduledAt returns the entry's next occurrence after now, whether
// or not the entry is armed. ok is false for unknown names and exhausted
// schedules.
func (s *Scheduler) NextScheduledAt(name string) (time.Time, bool) {
	s.mu.Lock()
	ent, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := ent.Schedule.Next(s.topts.Now().In(s.topts.Location))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Names returns the registered entry names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked()
}

func (s *Scheduler) namesLocked() []string {
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Armed reports whether the named entry has a pending occurrence.
func (s *Scheduler) Armed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[name]
	return ok && ent.iv != nil && ent.iv.Armed()
}

// Reset forgets every entry and deletes the collection's records.
func (s *Scheduler) Reset(ctx context.Context) error {
	s.mu.Lock()
	for _, ent := range s.entries {
		s.disarmLocked(ent)
	}
	s.entries = map[string]*entry{}
	s.running = false
	s.mu.Unlock()
	return s.store.Reset(ctx)
}

func (s *Scheduler) armLocked(ent *entry) {
	log := s.log.With(logx.String("job", ent.Name))
	ent.iv = timer.NewInterval(ent.Schedule, func(intendedAt time.Time) error {
		_, err := s.execute(context.Background(), ent.Entry, intendedAt)
		return err
	}, log, s.topts)

	if next, ok := ent.iv.Next(); ok {
		s.log.Info(fmt.Sprintf("Scheduled %q next run @%s", ent.Name, next.Format(time.RFC3339)))
	} else {
		s.log.Debug(fmt.Sprintf("Not scheduling %q: no upcoming occurrence", ent.Name))
	}
}

func (s *Scheduler) disarmLocked(ent *entry) {
	if ent.iv != nil {
		ent.iv.Cancel()
		ent.iv = nil
	}
}
