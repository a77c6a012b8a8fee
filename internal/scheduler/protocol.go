package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"syncedcron/internal/eventbus"
	"syncedcron/internal/storage"
	logx "syncedcron/pkg/logx"
)

// Execute runs the protocol for one occurrence of the named entry, exactly
// as a timer fire would. Job failures are recorded and reported in Run;
// the returned error is reserved for unknown entries and store failures.
func (s *Scheduler) Execute(ctx context.Context, name string, intendedAt time.Time) (Run, error) {
	s.mu.Lock()
	ent, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return Run{Name: name, IntendedAt: intendedAt, Status: Abandoned}, errors.Wrapf(ErrUnknownEntry, "%q", name)
	}
	return s.execute(ctx, ent.Entry, intendedAt)
}

// execute claims the occurrence, runs the job and records its outcome.
// Entries that do not persist skip the claim and the record.
func (s *Scheduler) execute(ctx context.Context, e Entry, intendedAt time.Time) (Run, error) {
	key := storage.NewKey(e.Name, intendedAt)
	run := Run{Name: e.Name, IntendedAt: intendedAt.Truncate(time.Second)}

	if !e.persistent() {
		took := s.invoke(ctx, e, &run)
		s.publishOutcome(run, took)
		return run, nil
	}

	startedAt := s.topts.Now()
	rec := storage.Record{
		Name:       e.Name,
		IntendedAt: key.IntendedAt,
		StartedAt:  startedAt,
		ClaimedBy:  s.instance,
	}
	if s.ttl > 0 {
		exp := startedAt.Add(s.ttl)
		rec.ExpiresAt = &exp
	}

	run.RecordID = s.store.ID(key)
	err := s.store.Claim(ctx, rec)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		run.Status = Skipped
		s.log.Info(fmt.Sprintf("Not running %q again.", e.Name), logx.Time("intended_at", key.IntendedAt))
		s.publish(eventbus.TypeSkipped, run, 0)
		return run, nil
	case err != nil:
		run.Status = Abandoned
		run.RecordID = ""
		s.publish(eventbus.TypeClaimError, run, 0)
		return run, errors.Wrapf(err, "claim %s", key)
	}
	s.publish(eventbus.TypeClaimed, run, 0)

	took := s.invoke(ctx, e, &run)

	out := storage.Outcome{FinishedAt: s.topts.Now(), Result: run.Result}
	if run.JobErr != nil {
		out.Error = describe(run.JobErr)
		out.Result = nil
	}
	if err := s.store.Finish(ctx, key, out); err != nil {
		run.Status = Abandoned
		return run, errors.Wrapf(err, "record outcome of %s", key)
	}

	s.publishOutcome(run, took)
	return run, nil
}

// invoke runs the job body, filling Result/JobErr/Status on run.
func (s *Scheduler) invoke(ctx context.Context, e Entry, run *Run) time.Duration {
	log := s.log.With(logx.String("job", e.Name), logx.Time("intended_at", run.IntendedAt))
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log.Info(fmt.Sprintf("Starting %q.", e.Name))
	start := time.Now()
	res, err := runJob(ctx, e, run.IntendedAt)
	took := time.Since(start)

	if err != nil {
		run.Status = Failed
		run.JobErr = err
		fields := []logx.Field{logx.Err(err), logx.Duration("took", took)}
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(string(pe.Stack)))
		}
		log.Error(fmt.Sprintf("Exception %q", e.Name), fields...)
		return took
	}
	run.Status = Succeeded
	run.Result = res
	log.Info(fmt.Sprintf("Finished %q.", e.Name), logx.Duration("took", took))
	return took
}

func runJob(ctx context.Context, e Entry, intendedAt time.Time) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return e.Job(ctx, intendedAt, e.Name)
}

// describe renders a job failure for the record: the message, followed by
// a stack trace when one is available.
func describe(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Error() + "\n" + string(pe.Stack)
	}
	return fmt.Sprintf("%+v", err)
}

func (s *Scheduler) publishOutcome(run Run, took time.Duration) {
	if run.JobErr != nil {
		s.publish(eventbus.TypeFailed, run, took)
		return
	}
	s.publish(eventbus.TypeFinished, run, took)
}

func (s *Scheduler) publish(typ string, run Run, took time.Duration) {
	if s.bus == nil {
		return
	}
	occ := eventbus.Occurrence{
		Name:       run.Name,
		IntendedAt: run.IntendedAt,
		Instance:   s.instance,
		Took:       took,
	}
	if run.JobErr != nil {
		occ.Err = run.JobErr.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: occ})
}
