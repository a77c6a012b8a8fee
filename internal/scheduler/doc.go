// Package scheduler runs named recurring jobs so that each occurrence
// executes at most once across every process sharing a store.
//
// Each armed entry owns a timer.Interval. When it fires, the scheduler
// claims the occurrence by creating its record in the store; only the
// process whose claim succeeds runs the job and writes the outcome back.
// Processes that lose the claim skip the occurrence.
//
// Typical usage:
//
//	s, err := scheduler.New(scheduler.Options{Store: st, Logger: log})
//	_ = s.Add(scheduler.Entry{Name: "report", Schedule: sched, Job: runReport})
//	s.Start()
//	defer s.Stop()
package scheduler
