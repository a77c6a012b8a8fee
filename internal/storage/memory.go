package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. It gives at-most-once execution only
// among schedulers sharing the same instance.
type Memory struct {
	collection string
	now        func() time.Time

	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

func NewMemory(collection string) *Memory {
	return &Memory{collection: collection, now: time.Now, records: make(map[string]Record)}
}

func (m *Memory) Claim(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := r.normalize(m.collection)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if cur, ok := m.records[r.ID]; ok && !cur.Expired(m.now()) {
		return ErrDuplicate
	}
	m.records[r.ID] = r
	return nil
}

func (m *Memory) Load(ctx context.Context, k Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	r, ok := m.records[k.ID(m.collection)]
	if !ok || r.Expired(m.now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Finish(ctx context.Context, k Key, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	id := k.ID(m.collection)
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.apply(o)
	m.records[id] = r
	return nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, r := range m.records {
		if r.Expired(now) {
			delete(m.records, id)
			continue
		}
		n++
	}
	return n, nil
}

func (m *Memory) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = make(map[string]Record)
	m.mu.Unlock()
	return nil
}

// Records returns the live records ordered by intended time, then name.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IntendedAt.Equal(out[j].IntendedAt) {
			return out[i].IntendedAt.Before(out[j].IntendedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) ID(k Key) string { return k.ID(m.collection) }
