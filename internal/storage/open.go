package storage

import (
	"strings"

	"syncedcron/internal/config"
	logx "syncedcron/pkg/logx"
)

// Open initializes the configured store. Missing or unknown driver
// settings are reported as config.ConfigurationError.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		cfg.Collection = config.DefaultCollection
	}
	log = log.With(logx.String("collection", cfg.Collection))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "":
		return nil, config.Invalid("storage.driver", "store required", "set storage.driver to one of memory, file, sqlite, redis")
	case "memory", "mem":
		return NewMemory(cfg.Collection), nil
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, config.Invalid("storage.path", "required for driver file", "")
		}
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" && strings.TrimSpace(cfg.DSN) == "" {
			return nil, config.Invalid("storage.path", "required for driver sqlite", "set storage.path or storage.dsn")
		}
		return openSQLite(cfg, log)
	case "redis":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, config.Invalid("storage.url", "required for driver redis", "use redis://host:6379/0")
		}
		return openRedis(cfg, log)
	default:
		return nil, config.Invalid("storage.driver", "unknown driver "+driver, "")
	}
}
