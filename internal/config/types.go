package config

import (
	"strings"
	"time"
)

const (
	DefaultCollection = "cronHistory"
	// DefaultTTLSeconds keeps execution records for two days.
	DefaultTTLSeconds = 172800
	// MinRecommendedTTL is the shortest retention that still outlives the
	// skew between fleet members. Shorter values are accepted with a warning.
	MinRecommendedTTL = 5 * time.Minute
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

// LoggingConfig controls the process logger.
//
// Enabled is a pointer so an omitted section keeps logging on while an
// explicit false silences it.
type LoggingConfig struct {
	Enabled *bool       `json:"enabled,omitempty"`
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (l LoggingConfig) IsEnabled() bool { return l.Enabled == nil || *l.Enabled }

// SchedulerConfig controls how occurrences are computed and executed.
type SchedulerConfig struct {
	// UTC evaluates wall-clock rules in UTC instead of local time.
	UTC bool `json:"utc"`
	// JobTimeout bounds every job body (Go duration). "0s" disables it.
	JobTimeout string `json:"job_timeout,omitempty"`
	// InstanceID is recorded as the claimant. Empty means a random UUID.
	InstanceID string `json:"instance_id,omitempty"`
}

// StorageConfig selects the durable store that carries claim records.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cron.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN overrides Path for sqlite.
	DSN        string `json:"dsn,omitempty"`
	URL        string `json:"url,omitempty"` // redis
	Collection string `json:"collection,omitempty"`
	// TTLSeconds is the record retention. Omitted means two days, 0 keeps
	// records forever.
	TTLSeconds  *int   `json:"ttl_seconds,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

func (s StorageConfig) CollectionName() string {
	if c := strings.TrimSpace(s.Collection); c != "" {
		return c
	}
	return DefaultCollection
}

func (s StorageConfig) TTL() time.Duration {
	if s.TTLSeconds == nil {
		return DefaultTTLSeconds * time.Second
	}
	if *s.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(*s.TTLSeconds) * time.Second
}

// JobConfig declares a job that runs an external command.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	// Persist defaults to true; false bypasses the claim protocol.
	Persist *bool  `json:"persist,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

func (j JobConfig) Persistent() bool { return j.Persist == nil || *j.Persist }
