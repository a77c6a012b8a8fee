package logx

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *captured) sink(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *captured) all() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

func TestSinkReceivesLevelMessageTag(t *testing.T) {
	c := &captured{}
	svc, log := New(Config{Enabled: true, Level: "debug", Sink: SinkConfig{Func: c.sink}})
	defer svc.Close()

	log.Info("Scheduled \"job\"")
	log.Warn("slow")
	log.Error("claim failed", Err(errors.New("boom")))
	log.Debug("noise")

	got := c.all()
	require.Len(t, got, 4)
	assert.Equal(t, Entry{Level: "info", Message: "Scheduled \"job\"", Tag: DefaultTag}, got[0])
	assert.Equal(t, "warn", got[1].Level)
	assert.Equal(t, "error", got[2].Level)
	assert.Equal(t, "claim failed: boom", got[2].Message)
	assert.Equal(t, "debug", got[3].Level)
}

func TestDisabledServiceWritesNothing(t *testing.T) {
	c := &captured{}
	svc, log := New(Config{Enabled: false, Sink: SinkConfig{Func: c.sink}})
	defer svc.Close()

	log.Error("should not appear")
	assert.Empty(t, c.all())
}

func TestApplySwapsTagAndLevel(t *testing.T) {
	c := &captured{}
	svc, log := New(Config{Enabled: true, Level: "info", Sink: SinkConfig{Func: c.sink}})
	defer svc.Close()

	log.Debug("filtered")
	svc.Apply(Config{Enabled: true, Level: "debug", Tag: "Other", Sink: SinkConfig{Func: c.sink}})
	log.Debug("visible")

	got := c.all()
	require.Len(t, got, 1)
	assert.Equal(t, "visible", got[0].Message)
	assert.Equal(t, "Other", got[0].Tag)
}

func TestSinkRateLimit(t *testing.T) {
	c := &captured{}
	svc, log := New(Config{Enabled: true, Level: "info", Sink: SinkConfig{Func: c.sink, RatePerSec: 2}})
	defer svc.Close()

	for i := 0; i < 10; i++ {
		log.Info("burst")
	}
	assert.LessOrEqual(t, len(c.all()), 3)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestNewWriterWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Info("hello", Int("n", 3))
	out := buf.String()
	assert.Contains(t, out, `"comp":"test"`)
	assert.Contains(t, out, `"n":3`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestDecodeEntryNonJSON(t *testing.T) {
	e := decodeEntry(zerolog.WarnLevel, []byte("  plain text \n"))
	assert.Equal(t, Entry{Level: "warn", Message: "plain text", Tag: DefaultTag}, e)
}
