package app

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"syncedcron/internal/config"
	"syncedcron/internal/eventbus"
	"syncedcron/internal/runtime/supervisor"
	"syncedcron/internal/scheduler"
	"syncedcron/internal/storage"
	logx "syncedcron/pkg/logx"
)

// App is the synced cron daemon: config-defined command jobs driven by a
// scheduler whose claims live in the configured store.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sched *scheduler.Scheduler

	// cfg is the config the running jobs were built from.
	mu  sync.Mutex
	cfg *config.Config

	events sync.Map // event type -> *atomic.Uint64
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := buildEntries(c)
		return err
	})
	log = log.With(logx.String("comp", "app"))

	if config.ShortTTL(cfg.Storage) {
		log.Warn("record retention is shorter than the recommended minimum",
			logx.Duration("ttl", cfg.Storage.TTL()),
			logx.Duration("recommended", config.MinRecommendedTTL),
		)
	}

	entries, err := buildEntries(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	sc, ttl, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("collection", sc.Collection))

	opts, err := mapSchedulerOptions(cfg, store, ttl)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	bus := eventbus.New()
	opts.Bus = bus
	opts.Logger = log.With(logx.String("comp", "scheduler"))

	sched, err := scheduler.New(opts)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	for _, e := range entries {
		if err := sched.Add(e); err != nil {
			_ = store.Close()
			logSvc.Close()
			return nil, err
		}
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		cfg:     cfg,
	}, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Config returns the config the running jobs were built from.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// EventCount returns how many events of type typ the app has observed.
func (a *App) EventCount(typ string) uint64 {
	if v, ok := a.events.Load(typ); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	// Subscriptions are taken before anything can publish.
	events, unsubEvents := a.bus.SubscribePrefix("cron.", 256)
	cfgCh := a.cfgm.Subscribe(4)

	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubEvents()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.observe(ev)
			}
		}
	})

	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(cfgCh)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 5*time.Second)

	a.sched.Start()
	a.log.Info("app started",
		logx.String("instance", a.sched.InstanceID()),
		logx.Int("jobs", a.sched.Len()),
	)
	return nil
}

func (a *App) observe(ev eventbus.Event) {
	v, _ := a.events.LoadOrStore(ev.Type, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)

	occ, ok := ev.Data.(eventbus.Occurrence)
	if !ok || !a.log.Enabled(logx.LevelDebug) {
		return
	}
	fields := []logx.Field{
		logx.String("type", ev.Type),
		logx.String("job", occ.Name),
		logx.Time("intended_at", occ.IntendedAt),
	}
	if occ.Took > 0 {
		fields = append(fields, logx.Duration("took", occ.Took))
	}
	if occ.Err != "" {
		fields = append(fields, logx.String("err", occ.Err))
	}
	a.log.Debug("execution event", fields...)
}

// applyConfig applies a reloaded config: logging is swapped in place and
// changed jobs are re-registered. Storage and scheduler sections are bound
// at startup.
func (a *App) applyConfig(newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	a.mu.Lock()
	oldCfg := a.cfg
	a.mu.Unlock()

	sections, attrs, jobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "storage", "scheduler":
			a.log.Warn("config section changed; restart to apply", logx.String("section", s))
		}
	}

	if len(jobs) > 0 {
		index := make(map[string]int, len(newCfg.Jobs))
		for i, jc := range newCfg.Jobs {
			index[strings.TrimSpace(jc.Name)] = i
		}
		for _, name := range jobs {
			a.sched.Remove(name)
			i, ok := index[name]
			if !ok {
				continue
			}
			e, err := buildEntry(i, newCfg.Jobs[i])
			if err == nil {
				err = a.sched.Add(e)
			}
			if err != nil {
				a.log.Warn("job not re-registered", logx.String("job", name), logx.Err(err))
			}
		}
	}

	a.mu.Lock()
	a.cfg = newCfg
	a.mu.Unlock()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
