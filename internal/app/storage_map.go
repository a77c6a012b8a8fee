package app

import (
	"strings"
	"time"

	"syncedcron/internal/config"
	"syncedcron/internal/scheduler"
	"syncedcron/internal/storage"
	logx "syncedcron/pkg/logx"
)

// mapStorageConfig converts the storage section into storage.Config and the
// record retention understood by scheduler.Options (negative disables
// expiry).
func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	ttl := s.TTL()
	if ttl <= 0 {
		ttl = -1
	}
	return storage.Config{
		Driver:      strings.TrimSpace(s.Driver),
		Path:        strings.TrimSpace(s.Path),
		DSN:         strings.TrimSpace(s.DSN),
		URL:         strings.TrimSpace(s.URL),
		Collection:  s.CollectionName(),
		BusyTimeout: busy,
	}, ttl, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Enabled: l.IsEnabled(),
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
	}
}

func mapSchedulerOptions(cfg *config.Config, store storage.Store, ttl time.Duration) (scheduler.Options, error) {
	timeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{
		Store:      store,
		UseUTC:     cfg.Scheduler.UTC,
		TTL:        ttl,
		JobTimeout: timeout,
		InstanceID: strings.TrimSpace(cfg.Scheduler.InstanceID),
	}, nil
}

// OpenStore opens the store described by cfg without starting anything.
// It backs the inspection commands.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, _, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}
