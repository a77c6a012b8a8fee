package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDuplicate is returned by Claim when the occurrence already has a
	// live record.
	ErrDuplicate = errors.New("storage: duplicate record")
	ErrNotFound  = errors.New("storage: record not found")
	ErrClosed    = errors.New("storage: closed")
)

// Store is the durable collection of execution records.
type Store interface {
	// ID renders the record identifier of k within the store's collection.
	ID(k Key) string
	// Claim creates r if no live record with the same key exists.
	Claim(ctx context.Context, r Record) error
	Load(ctx context.Context, k Key) (Record, error)
	// Finish records the outcome of a claimed occurrence.
	Finish(ctx context.Context, k Key, o Outcome) error
	// Count returns the number of live records in the collection.
	Count(ctx context.Context) (int, error)
	// Reset deletes every record of the collection.
	Reset(ctx context.Context) error
	Close() error
}

// Config configures a store.
//
// Driver values: "memory", "file", "sqlite", "redis". File and sqlite
// need Path (sqlite accepts DSN instead), redis needs URL.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	URL         string
	Collection  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const idTimeLayout = "2006-01-02T15:04:05.000Z"

// Key identifies one occurrence of one job.
type Key struct {
	Name       string
	IntendedAt time.Time
}

// NewKey normalizes at to UTC whole seconds.
func NewKey(name string, at time.Time) Key {
	return Key{Name: name, IntendedAt: at.UTC().Truncate(time.Second)}
}

// ID renders the record identifier within collection, e.g.
// "cronHistory/backup_2026-03-01T03:00:00.000Z".
func (k Key) ID(collection string) string {
	return collection + "/" + k.Name + "_" + k.IntendedAt.UTC().Format(idTimeLayout)
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Name, k.IntendedAt.UTC().Format(time.RFC3339))
}

// fileName is a filesystem-safe rendering of k.
func (k Key) fileName() string {
	return url.PathEscape(k.Name) + "_" + k.IntendedAt.UTC().Format("20060102T150405Z") + ".json"
}

// Record is the persisted history of one occurrence.
type Record struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	IntendedAt time.Time       `json:"intendedAt"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
	ClaimedBy  string          `json:"claimedBy,omitempty"`
}

func (r Record) Key() Key { return NewKey(r.Name, r.IntendedAt) }

func (r Record) Finished() bool { return r.FinishedAt != nil }

// Expired reports whether the record's retention has elapsed at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// normalize fills ID and canonical times before a record is written.
func (r Record) normalize(collection string) (Record, error) {
	if r.Name == "" {
		return r, errors.New("storage: record name required")
	}
	if r.IntendedAt.IsZero() {
		return r, errors.New("storage: record intended time required")
	}
	k := r.Key()
	r.IntendedAt = k.IntendedAt
	r.ID = k.ID(collection)
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.ExpiresAt != nil {
		e := r.ExpiresAt.UTC()
		r.ExpiresAt = &e
	}
	return r, nil
}

// Outcome is how a claimed occurrence ended. Exactly one of Result or
// Error is stored: a non-empty Error wins.
type Outcome struct {
	FinishedAt time.Time
	Result     any
	Error      string
}

// apply writes o onto r.
func (r *Record) apply(o Outcome) {
	at := o.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	r.FinishedAt = &at

	if o.Error != "" {
		r.Error = o.Error
		r.Result = nil
		return
	}
	b, err := json.Marshal(o.Result)
	if err != nil {
		r.Error = "result not serializable: " + err.Error()
		r.Result = nil
		return
	}
	r.Error = ""
	r.Result = b
}
