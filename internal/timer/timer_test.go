package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncedcron/internal/recurrence"
	logx "syncedcron/pkg/logx"
)

// instants is a finite schedule over a fixed list of occurrences.
type instants []time.Time

func (s instants) Next(t time.Time) time.Time {
	for _, at := range s {
		if at.After(t) {
			return at.In(t.Location())
		}
	}
	return time.Time{}
}

type fires struct {
	mu  sync.Mutex
	got []time.Time
}

func (f *fires) add(at time.Time) {
	f.mu.Lock()
	f.got = append(f.got, at)
	f.mu.Unlock()
}

func (f *fires) list() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.got...)
}

func fastOpts() Options {
	return Options{MinLead: 10 * time.Millisecond, Location: time.UTC}
}

func TestTimeoutFiresWithIntendedInstant(t *testing.T) {
	target := time.Now().Add(150 * time.Millisecond)
	f := &fires{}
	to := NewTimeout(instants{target}, f.add, fastOpts())
	require.True(t, to.Armed())

	got, ok := to.Target()
	require.True(t, ok)
	assert.True(t, got.Equal(target))

	require.Eventually(t, func() bool { return len(f.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.list()[0].Equal(target), "callback must receive the intended instant")
	assert.False(t, to.Armed())
}

func TestTimeoutSkipsImminentOccurrence(t *testing.T) {
	now := time.Now()
	first := now.Add(20 * time.Millisecond)
	second := now.Add(200 * time.Millisecond)
	f := &fires{}
	NewTimeout(instants{first, second}, f.add, Options{MinLead: 100 * time.Millisecond})

	require.Eventually(t, func() bool { return len(f.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.list()[0].Equal(second))
}

func TestTimeoutExhaustedScheduleIsDormant(t *testing.T) {
	to := NewTimeout(instants{}, func(time.Time) { t.Fatal("must not fire") }, fastOpts())
	assert.False(t, to.Armed())
	_, ok := to.Target()
	assert.False(t, ok)
	to.Cancel()
}

func TestTimeoutOneShotImminentOrPassed(t *testing.T) {
	for name, at := range map[string]time.Time{
		"imminent": time.Now().Add(500 * time.Millisecond),
		"passed":   time.Now().Add(-time.Minute),
	} {
		t.Run(name, func(t *testing.T) {
			var fired atomic.Bool
			to := NewTimeout(recurrence.Once(at), func(time.Time) { fired.Store(true) }, Options{})
			assert.False(t, to.Armed())
			to.Cancel()
			time.Sleep(600 * time.Millisecond)
			assert.False(t, fired.Load())
		})
	}
}

func TestTimeoutChunksLongWaits(t *testing.T) {
	target := time.Now().Add(150 * time.Millisecond)
	f := &fires{}
	opts := fastOpts()
	opts.MaxDelay = 20 * time.Millisecond
	to := NewTimeout(instants{target}, f.add, opts)

	require.Eventually(t, func() bool { return len(f.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.list()[0].Equal(target))
	assert.GreaterOrEqual(t, to.chunks.Load(), int64(3))
}

func TestTimeoutChunkedWaitKeepsItsTarget(t *testing.T) {
	now := time.Now()
	target := now.Add(150 * time.Millisecond)
	later := now.Add(450 * time.Millisecond)
	f := &fires{}
	// The last chunk leaves a remainder shorter than MinLead.
	to := NewTimeout(instants{target, later}, f.add, Options{
		MinLead:  100 * time.Millisecond,
		MaxDelay: 40 * time.Millisecond,
		Location: time.UTC,
	})
	defer to.Cancel()

	require.Eventually(t, func() bool { return len(f.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.list()[0].Equal(target), "fired for %s, want %s", f.list()[0], target)
	assert.GreaterOrEqual(t, to.chunks.Load(), int64(3))
}

func TestTimeoutCancelMidChunk(t *testing.T) {
	target := time.Now().Add(200 * time.Millisecond)
	var fired atomic.Bool
	opts := fastOpts()
	opts.MaxDelay = 20 * time.Millisecond
	to := NewTimeout(instants{target}, func(time.Time) { fired.Store(true) }, opts)

	time.Sleep(50 * time.Millisecond)
	require.Greater(t, to.chunks.Load(), int64(0))
	to.Cancel()
	assert.False(t, to.Armed())

	time.Sleep(300 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestIntervalRepeatsSequentially(t *testing.T) {
	now := time.Now()
	s := instants{
		now.Add(80 * time.Millisecond),
		now.Add(160 * time.Millisecond),
		now.Add(240 * time.Millisecond),
		now.Add(320 * time.Millisecond),
	}
	f := &fires{}
	var inFlight, overlaps atomic.Int32
	iv := NewInterval(s, func(at time.Time) error {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer inFlight.Add(-1)
		time.Sleep(10 * time.Millisecond)
		f.add(at)
		return nil
	}, logx.Nop(), fastOpts())
	defer iv.Cancel()

	require.Eventually(t, func() bool { return len(f.list()) == len(s) }, 3*time.Second, 10*time.Millisecond)
	for i, at := range f.list() {
		assert.True(t, at.Equal(s[i]), "fire %d", i)
	}
	assert.Zero(t, overlaps.Load())
	assert.False(t, iv.Armed(), "finite schedule ends dormant")
}

func TestIntervalSurvivesErrorsAndPanics(t *testing.T) {
	now := time.Now()
	s := instants{now.Add(60 * time.Millisecond), now.Add(120 * time.Millisecond), now.Add(180 * time.Millisecond)}
	var calls atomic.Int32
	iv := NewInterval(s, func(time.Time) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("store unavailable")
		case 2:
			panic("job exploded")
		}
		return nil
	}, logx.Nop(), fastOpts())
	defer iv.Cancel()

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestIntervalCancelStopsLoop(t *testing.T) {
	now := time.Now()
	s := instants{now.Add(60 * time.Millisecond), now.Add(200 * time.Millisecond), now.Add(300 * time.Millisecond)}
	var calls atomic.Int32
	iv := NewInterval(s, func(time.Time) error {
		calls.Add(1)
		return nil
	}, logx.Nop(), fastOpts())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	iv.Cancel()
	assert.False(t, iv.Armed())
	_, ok := iv.Next()
	assert.False(t, ok)

	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIntervalCancelDuringInFlightFire(t *testing.T) {
	now := time.Now()
	s := instants{now.Add(50 * time.Millisecond), now.Add(150 * time.Millisecond), now.Add(250 * time.Millisecond)}
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	iv := NewInterval(s, func(time.Time) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}, logx.Nop(), fastOpts())

	<-started
	iv.Cancel()
	close(release)

	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a cancelled loop must not re-arm")
	assert.False(t, iv.Armed())
}
