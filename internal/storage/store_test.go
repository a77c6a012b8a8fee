package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncedcron/internal/config"
	logx "syncedcron/pkg/logx"
)

type opener func(t *testing.T, collection string) Store

func drivers(t *testing.T) map[string]opener {
	t.Helper()
	dir := t.TempDir()
	m := map[string]opener{
		"memory": func(t *testing.T, collection string) Store {
			return NewMemory(collection)
		},
		"file": func(t *testing.T, collection string) Store {
			st, err := Open(Config{Driver: "file", Path: dir, Collection: collection}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T, collection string) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "cron.db"), Collection: collection}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
	if url := os.Getenv("SYNCEDCRON_REDIS_URL"); url != "" {
		m["redis"] = func(t *testing.T, collection string) Store {
			st, err := Open(Config{Driver: "redis", URL: url, Collection: collection}, logx.Nop())
			require.NoError(t, err)
			return st
		}
	}
	return m
}

func claimRecord(name string, at time.Time) Record {
	return Record{Name: name, IntendedAt: at, StartedAt: time.Now(), ClaimedBy: "test"}
}

func TestKeyID(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 3, 0, 0, 999_000_000, time.FixedZone("X", 3600))
	k := NewKey("backup", at)
	assert.Equal(t, "cronHistory/backup_2026-03-01T02:00:00.000Z", k.ID("cronHistory"))
	assert.Equal(t, "backup_20260301T020000Z.json", k.fileName())
	assert.Equal(t, NewKey("backup", at.Add(-500*time.Millisecond)), k, "sub-second differences share a key")
	assert.Equal(t, "a%2Fb_20260301T020000Z.json", NewKey("a/b", at).fileName())
}

func TestOpenConfigurationErrors(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{
		{},
		{Driver: "ravendb"},
		{Driver: "file"},
		{Driver: "sqlite"},
		{Driver: "redis"},
	} {
		_, err := Open(cfg, logx.Nop())
		require.Error(t, err, "%+v", cfg)
		assert.True(t, config.IsConfigurationError(err), "%+v: %v", cfg, err)
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t, "contract_"+name)
			t.Cleanup(func() { _ = st.Close() })
			require.NoError(t, st.Reset(ctx))

			at := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)
			k := NewKey("report", at)

			_, err := st.Load(ctx, k)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, st.Finish(ctx, k, Outcome{}), ErrNotFound)

			require.NoError(t, st.Claim(ctx, claimRecord("report", at)))
			assert.ErrorIs(t, st.Claim(ctx, claimRecord("report", at.Add(300*time.Millisecond))), ErrDuplicate)
			require.NoError(t, st.Claim(ctx, claimRecord("report", at.Add(time.Minute))))
			require.NoError(t, st.Claim(ctx, claimRecord("other", at)))

			r, err := st.Load(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, "contract_"+name+"/report_2026-03-01T11:30:00.000Z", r.ID)
			assert.True(t, r.IntendedAt.Equal(at))
			assert.Equal(t, "test", r.ClaimedBy)
			assert.False(t, r.Finished())
			assert.Nil(t, r.ExpiresAt)

			require.NoError(t, st.Finish(ctx, k, Outcome{FinishedAt: at.Add(time.Second), Result: map[string]int{"rows": 3}}))
			r, err = st.Load(ctx, k)
			require.NoError(t, err)
			require.True(t, r.Finished())
			assert.JSONEq(t, `{"rows":3}`, string(r.Result))
			assert.Empty(t, r.Error)

			k2 := NewKey("report", at.Add(time.Minute))
			require.NoError(t, st.Finish(ctx, k2, Outcome{Result: "ignored", Error: "Haha, gotcha"}))
			r, err = st.Load(ctx, k2)
			require.NoError(t, err)
			assert.Equal(t, "Haha, gotcha", r.Error)
			assert.Empty(t, r.Result)

			n, err := st.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			require.NoError(t, st.Reset(ctx))
			n, err = st.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			require.NoError(t, st.Claim(ctx, claimRecord("report", at)), "reset frees the key")
		})
	}
}

func TestStoreExpiredRecordCanBeReclaimed(t *testing.T) {
	for name, open := range drivers(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t, "expiry_"+name)
			t.Cleanup(func() { _ = st.Close() })
			require.NoError(t, st.Reset(ctx))

			at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			r := claimRecord("short", at)
			exp := time.Now().Add(100 * time.Millisecond)
			r.ExpiresAt = &exp
			require.NoError(t, st.Claim(ctx, r))
			assert.ErrorIs(t, st.Claim(ctx, claimRecord("short", at)), ErrDuplicate)

			time.Sleep(250 * time.Millisecond)
			_, err := st.Load(ctx, NewKey("short", at))
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, st.Claim(ctx, claimRecord("short", at)))
		})
	}
}

func TestStoreCollectionsAreIsolated(t *testing.T) {
	for name, open := range drivers(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := open(t, "iso_a_"+name)
			b := open(t, "iso_b_"+name)
			t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
			require.NoError(t, a.Reset(ctx))
			require.NoError(t, b.Reset(ctx))

			at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, a.Claim(ctx, claimRecord("job", at)))
			require.NoError(t, b.Claim(ctx, claimRecord("job", at)))
			require.NoError(t, a.Reset(ctx))

			n, err := b.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

// Concurrent claimers of one occurrence through separate handles: exactly
// one wins.
func TestStoreConcurrentClaimSingleWinner(t *testing.T) {
	for name, open := range drivers(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const claimers = 8
			shared := open(t, "race_"+name)
			t.Cleanup(func() { _ = shared.Close() })
			require.NoError(t, shared.Reset(ctx))

			handles := make([]Store, claimers)
			for i := range handles {
				if name == "memory" {
					handles[i] = shared
					continue
				}
				handles[i] = open(t, "race_"+name)
				h := handles[i]
				t.Cleanup(func() { _ = h.Close() })
			}

			at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
			var wins, dups atomic.Int32
			var wg sync.WaitGroup
			for _, h := range handles {
				wg.Add(1)
				go func(h Store) {
					defer wg.Done()
					switch err := h.Claim(ctx, claimRecord("race", at)); {
					case err == nil:
						wins.Add(1)
					case assert.ErrorIs(t, err, ErrDuplicate):
						dups.Add(1)
					}
				}(h)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(claimers-1), dups.Load())
		})
	}
}

func TestMemoryRecordsOrdered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory("c")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Claim(ctx, claimRecord("b", base.Add(time.Minute))))
	require.NoError(t, m.Claim(ctx, claimRecord("b", base)))
	require.NoError(t, m.Claim(ctx, claimRecord("a", base)))

	got := m.Records()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "b", got[1].Name)
	assert.True(t, got[2].IntendedAt.Equal(base.Add(time.Minute)))

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Claim(ctx, claimRecord("c", base)), ErrClosed)
}

func TestOutcomeUnserializableResult(t *testing.T) {
	t.Parallel()
	var r Record
	r.apply(Outcome{Result: make(chan int)})
	assert.Contains(t, r.Error, "result not serializable")
	assert.Nil(t, r.Result)
	require.NotNil(t, r.FinishedAt)

	r.apply(Outcome{})
	assert.Empty(t, r.Error)
	assert.Equal(t, json.RawMessage("null"), r.Result)
}

func TestFileStoreTreatsPartialRecordAsClaimed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir, Collection: "c"}, logx.Nop())
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := filepath.Join(dir, "c", NewKey("job", at).fileName())
	require.NoError(t, os.WriteFile(p, []byte(`{"id":`), 0o644))
	assert.ErrorIs(t, st.Claim(context.Background(), claimRecord("job", at)), ErrDuplicate)
}
