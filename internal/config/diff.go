package config

import (
	"sort"
	"strings"

	logx "syncedcron/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) structured attrs for logging (never includes the redis URL, which may
// carry a password), and (3) the names of jobs that were added, removed or
// redefined.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.IsEnabled() != nl.IsEnabled() ||
		!strings.EqualFold(ol.Level, nl.Level) ||
		ol.Console != nl.Console ||
		ol.File.Enabled != nl.File.Enabled ||
		strings.TrimSpace(ol.File.Path) != strings.TrimSpace(nl.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.Bool("logging.enabled", nl.IsEnabled()),
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.utc", newCfg.Scheduler.UTC),
			logx.String("scheduler.job_timeout", strings.TrimSpace(newCfg.Scheduler.JobTimeout)),
			logx.Bool("scheduler.instance_id_set", strings.TrimSpace(newCfg.Scheduler.InstanceID) != ""),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(ns.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(ns.Path) ||
		strings.TrimSpace(oldS.DSN) != strings.TrimSpace(ns.DSN) ||
		strings.TrimSpace(oldS.URL) != strings.TrimSpace(ns.URL) ||
		oldS.CollectionName() != ns.CollectionName() ||
		oldS.TTL() != ns.TTL() ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(ns.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.String("storage.collection", ns.CollectionName()),
			logx.Duration("storage.ttl", ns.TTL()),
			logx.Bool("storage.url_set", strings.TrimSpace(ns.URL) != ""),
		)
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobs)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]uint64 {
		m := make(map[string]uint64, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = hashValue(j)
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	out := make([]string, 0)
	for name, h := range oldM {
		if nh, ok := newM[name]; !ok || nh != h {
			out = append(out, name)
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
