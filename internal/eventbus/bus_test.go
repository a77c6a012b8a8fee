package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	cron, unsubCron := b.SubscribePrefix("cron.", 4)
	defer unsubCron()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: TypeClaimed, Data: Occurrence{Name: "job"}})

	e := <-all
	assert.Equal(t, "config.reloaded", e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, TypeClaimed, (<-all).Type)

	e = <-cron
	require.Equal(t, TypeClaimed, e.Type)
	assert.Equal(t, "job", e.Data.(Occurrence).Name)
	select {
	case extra := <-cron:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: TypeFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(4), Dropped(b))
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TypeSkipped})
}
