package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncedcron/internal/config"
	"syncedcron/internal/eventbus"
	"syncedcron/internal/scheduler"
	"syncedcron/internal/storage"
)

const baseConfig = `
logging:
  enabled: false
scheduler:
  utc: true
  instance_id: node-a
storage:
  driver: memory
jobs:
  - name: greet
    schedule: "@daily"
    command: sh -c 'echo hello $SYNCEDCRON_JOB at $SYNCEDCRON_INTENDED_AT'
  - name: broken
    schedule: 1h
    command: sh -c 'echo nope >&2; exit 3'
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "cron.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func newTestApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := writeConfig(t, dir, body)
	a, err := NewApp(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, dir
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), "jobs:\n  - {name: a, schedule: 1m, command: \"true\"}\n")
	_, err := NewApp(path)
	require.Error(t, err)
	assert.True(t, config.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestNewAppRejectsUnparsableCommand(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), "logging: {enabled: false}\nstorage: {driver: memory}\njobs:\n  - {name: a, schedule: 1m, command: \"echo 'unterminated\"}\n")
	_, err := NewApp(path)
	require.Error(t, err)
	assert.True(t, config.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "jobs[0].command")
}

func TestCommandJobRecordsResult(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, baseConfig)
	assert.Equal(t, []string{"broken", "greet"}, a.Scheduler().Names())
	assert.Equal(t, "node-a", a.Scheduler().InstanceID())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run, err := a.Scheduler().Execute(context.Background(), "greet", at)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Succeeded, run.Status)

	rec, err := a.Store().Load(context.Background(), storage.NewKey("greet", at))
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.ClaimedBy)
	assert.Empty(t, rec.Error)

	var res CommandResult
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello greet at 2026-03-01T12:00:00Z", strings.TrimSpace(res.Output))

	// A second attempt at the same occurrence is skipped.
	run, err = a.Scheduler().Execute(context.Background(), "greet", at)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Skipped, run.Status)
}

func TestCommandJobFailureRecordsError(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, baseConfig)

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	run, err := a.Scheduler().Execute(context.Background(), "broken", at)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Failed, run.Status)

	rec, err := a.Store().Load(context.Background(), storage.NewKey("broken", at))
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "exit status 3")
	assert.Contains(t, rec.Error, "nope")
	assert.Nil(t, rec.Result)
}

func TestStartCountsEventsAndReloadsJobs(t *testing.T) {
	a, dir := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Scheduler().Running())
	assert.True(t, a.Scheduler().Armed("greet"))

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	_, err := a.Scheduler().Execute(context.Background(), "greet", at)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.EventCount(eventbus.TypeClaimed) == 1 && a.EventCount(eventbus.TypeFinished) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the watcher time to attach before editing.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, dir, strings.Replace(baseConfig, "name: broken", "name: fixed", 1))

	require.Eventually(t, func() bool {
		names := a.Scheduler().Names()
		return len(names) == 2 && names[0] == "fixed" && names[1] == "greet"
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, a.Scheduler().Armed("fixed"))
	assert.Equal(t, "fixed", a.Config().Jobs[1].Name)
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, baseConfig)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))

	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed when the app never started")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	zero, short := 0, 60
	cases := []struct {
		name string
		ttl  *int
		want time.Duration
	}{
		{name: "default", ttl: nil, want: config.DefaultTTLSeconds * time.Second},
		{name: "forever", ttl: &zero, want: -1},
		{name: "short", ttl: &short, want: time.Minute},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{Storage: config.StorageConfig{Driver: " sqlite ", Path: "x.db", TTLSeconds: tc.ttl, BusyTimeout: "2s"}}
			sc, ttl, err := mapStorageConfig(cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ttl)
			assert.Equal(t, "sqlite", sc.Driver)
			assert.Equal(t, config.DefaultCollection, sc.Collection)
			assert.Equal(t, 2*time.Second, sc.BusyTimeout)
		})
	}

	_, _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}})
	assert.True(t, config.IsConfigurationError(err))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "...456789ab", b.String())
}

func TestCommandJobPassesContextDeadline(t *testing.T) {
	t.Parallel()
	job, err := commandJob("sleep 5", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := job(ctx, time.Now(), "sleepy")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NotEqual(t, 0, res.(CommandResult).ExitCode)
}
