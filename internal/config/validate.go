package config

import (
	"strconv"
	"strings"

	"syncedcron/internal/recurrence"
)

var knownDrivers = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
	"redis":  true,
}

// Validate checks cfg and returns the first problem as a ConfigurationError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return Invalid("", "config is nil", "")
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout); err != nil {
		return err
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return Invalid("logging.file.path", "required when file logging is enabled", "")
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return Invalid(jobField(i, "name"), "job name required", "")
		}
		if _, dup := seen[name]; dup {
			return Invalid(jobField(i, "name"), "duplicate job "+quote(name), "job names must be unique")
		}
		seen[name] = struct{}{}
		if _, err := recurrence.Parse(j.Schedule); err != nil {
			return Wrap(err, jobField(i, "schedule"))
		}
		if strings.TrimSpace(j.Command) == "" {
			return Invalid(jobField(i, "command"), "command required", "")
		}
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch {
	case driver == "":
		return Invalid("storage.driver", "store required", "set storage.driver to one of memory, file, sqlite, redis")
	case !knownDrivers[driver]:
		return Invalid("storage.driver", "unknown driver "+quote(s.Driver), "set storage.driver to one of memory, file, sqlite, redis")
	}
	switch driver {
	case "file":
		if strings.TrimSpace(s.Path) == "" {
			return Invalid("storage.path", "required for driver file", "")
		}
	case "sqlite":
		if strings.TrimSpace(s.Path) == "" && strings.TrimSpace(s.DSN) == "" {
			return Invalid("storage.path", "required for driver sqlite", "set storage.path or storage.dsn")
		}
	case "redis":
		if strings.TrimSpace(s.URL) == "" {
			return Invalid("storage.url", "required for driver redis", "use redis://host:6379/0")
		}
	}
	if s.TTLSeconds != nil && *s.TTLSeconds < 0 {
		return Invalid("storage.ttl_seconds", "must be >= 0", "")
	}
	if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
		return err
	}
	return nil
}

// ShortTTL reports whether the configured retention is positive but below
// MinRecommendedTTL.
func ShortTTL(s StorageConfig) bool {
	ttl := s.TTL()
	return ttl > 0 && ttl < MinRecommendedTTL
}

func jobField(i int, leaf string) string {
	return "jobs[" + strconv.Itoa(i) + "]." + leaf
}
