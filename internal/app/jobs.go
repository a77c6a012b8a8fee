package app

import (
	"strconv"
	"strings"

	"syncedcron/internal/config"
	"syncedcron/internal/recurrence"
	"syncedcron/internal/scheduler"
)

// buildEntry turns a configured job into a scheduler entry.
func buildEntry(i int, jc config.JobConfig) (scheduler.Entry, error) {
	name := strings.TrimSpace(jc.Name)
	sched, err := recurrence.Parse(jc.Schedule)
	if err != nil {
		return scheduler.Entry{}, config.Wrap(err, jobField(i, "schedule"))
	}
	job, err := commandJob(jc.Command, strings.TrimSpace(jc.Dir))
	if err != nil {
		return scheduler.Entry{}, config.Wrap(err, jobField(i, "command"))
	}
	persist := jc.Persistent()
	return scheduler.Entry{
		Name:     name,
		Schedule: sched,
		Job:      job,
		Persist:  &persist,
	}, nil
}

// buildEntries builds every configured job, failing on the first bad one.
func buildEntries(cfg *config.Config) ([]scheduler.Entry, error) {
	out := make([]scheduler.Entry, 0, len(cfg.Jobs))
	for i, jc := range cfg.Jobs {
		e, err := buildEntry(i, jc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func jobField(i int, leaf string) string {
	return "jobs[" + strconv.Itoa(i) + "]." + leaf
}
