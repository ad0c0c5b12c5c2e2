// Package app wires the bot together: config, logging, the two sqlite
// stores, catalog, ledger, schedule surface, tasks and the chat
// transport, and runs them under one supervisor.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"budgenator/internal/catalog"
	"budgenator/internal/config"
	"budgenator/internal/dialog"
	"budgenator/internal/guard"
	"budgenator/internal/ledger"
	"budgenator/internal/reaper"
	"budgenator/internal/schedule"
	"budgenator/internal/storage"
	"budgenator/internal/tasks"
	kit "budgenator/internal/transport"
	"budgenator/internal/transport/mock"
	"budgenator/internal/transport/telegram"
	"budgenator/pkg/logx"
	"budgenator/pkg/phrase"
)

type App struct {
	cfg  *config.Config
	logs *logx.Service
	log  logx.Logger

	core  *sql.DB
	sched *sql.DB

	catalog  *catalog.Catalog
	ledger   *ledger.Ledger
	orch     *schedule.Orchestrator
	reaper   *reaper.Reaper
	registry *tasks.Registry
	sessions *dialog.Sessions

	sessionSweep time.Duration

	// nil in headless mode
	adapter kit.Adapter
	dialog  *dialog.Dialog

	sup     *supervisor
	updates chan kit.Update
}

// NewApp builds the full bot, chat transport included. This is what
// serve and runtask run: the telegram driver reaches the Bot API
// already during construction.
func NewApp(cfgPath string) (*App, error) {
	return newApp(cfgPath, true)
}

// NewHeadless builds everything except the chat transport, for one-shot
// commands (initdb, sweep) that must work without a token or network.
// Failure notices to chats are skipped, tasks that have to send fail.
func NewHeadless(cfgPath string) (*App, error) {
	return newApp(cfgPath, false)
}

func newApp(cfgPath string, withTransport bool) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// Durations were validated by config.Load.
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	coreDB, err := storage.OpenCore(cfg.Storage.CorePath, busy)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open core store: %w", err)
	}
	schedDB, err := storage.OpenSchedule(cfg.Storage.SchedulePath, busy)
	if err != nil {
		coreDB.Close()
		logSvc.Close()
		return nil, fmt.Errorf("open schedule store: %w", err)
	}

	cat := catalog.New(coreDB, log.With(logx.String("comp", "catalog")))
	led := ledger.New(coreDB, log.With(logx.String("comp", "ledger")))

	loc, err := cfg.Schedule.Location()
	if err != nil {
		coreDB.Close()
		schedDB.Close()
		logSvc.Close()
		return nil, err
	}
	orch := schedule.New(schedDB, led, loc, log.With(logx.String("comp", "schedule")))
	rp := reaper.New(coreDB, schedDB, cfg.Reaper.MaxIdleDays, log.With(logx.String("comp", "reaper")))

	a := &App{
		cfg:     cfg,
		logs:    logSvc,
		log:     log,
		core:    coreDB,
		sched:   schedDB,
		catalog: cat,
		ledger:  led,
		orch:    orch,
		reaper:  rp,
	}

	sessionTTL, err := config.ParseDurationOrDefault("sessions.ttl", cfg.Sessions.TTL, 48*time.Hour)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sessionSweep, err = config.ParseDurationOrDefault("sessions.sweep_every", cfg.Sessions.SweepEvery, time.Hour)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sessions = dialog.NewSessions(sessionTTL)

	var sender kit.Sender
	if withTransport {
		a.adapter, err = newAdapter(cfg, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		sender = a.adapter
	}

	grd := guard.New(cat, sender, phrase.New(), log.With(logx.String("comp", "guard")))
	a.registry = tasks.NewDefaultRegistry(tasks.Deps{
		Ledger:  led,
		Catalog: cat,
		Reaper:  rp,
		Sender:  sender,
		Guard:   grd,
		Log:     log.With(logx.String("comp", "tasks")),
	})
	// Schedule commits refuse task identifiers the runner surface
	// doesn't know.
	orch.SetTaskResolver(a.registry)

	if withTransport {
		repl, start, err := cfg.Budget.Defaults()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.dialog = dialog.New(dialog.Params{
			Sessions:      a.sessions,
			Ledger:        led,
			Orchestrator:  orch,
			Catalog:       cat,
			Sender:        sender,
			Guard:         grd,
			Replenishment: repl,
			StartBalance:  start,
			Log:           log.With(logx.String("comp", "dialog")),
		})
		a.updates = make(chan kit.Update, 256)
	}

	return a, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	switch cfg.Transport.Driver {
	case config.DriverTelegram:
		pollTimeout, err := config.ParseDurationField("transport.poll_timeout", cfg.Transport.PollTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Transport.Token,
			PollTimeout: pollTimeout,
			RatePerSec:  cfg.Transport.RatePerSec,
		}, log.With(logx.String("comp", "telegram")))
	case config.DriverMock:
		return mock.New(mock.Config{}, log.With(logx.String("comp", "mock"))), nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

func (a *App) Config() *config.Config    { return a.cfg }
func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Catalog() *catalog.Catalog { return a.catalog }
func (a *App) Registry() *tasks.Registry { return a.registry }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the bot up: transport polling, the dialogue dispatch
// loop, the session eviction ticker and, when configured, the catalog
// file watcher. Updates are dispatched on a single goroutine so each
// chat sees its interactions handled in arrival order.
func (a *App) Start(ctx context.Context) error {
	if a.adapter == nil {
		return fmt.Errorf("headless app cannot serve")
	}
	a.sup = newSupervisor(ctx, a.log)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return err
	}

	a.sup.Go0("dialog.dispatch", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-a.updates:
				a.dialog.Handle(ctx, upd)
			}
		}
	})

	a.sup.Go0("sessions.evict", func(ctx context.Context) {
		t := time.NewTicker(a.sessionSweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := a.sessions.EvictIdle(); n > 0 {
					a.log.Info("idle dialogue sessions evicted", logx.Int("count", n))
				}
			}
		}
	})

	if a.cfg.Catalog.Watch {
		a.sup.Go("catalog.watch", func(ctx context.Context) error {
			return a.catalog.Watch(ctx, a.cfg.Catalog.Path)
		})
	}

	a.log.Info("app started",
		logx.String("driver", a.cfg.Transport.Driver),
		logx.String("core_store", a.cfg.Storage.CorePath),
		logx.String("schedule_store", a.cfg.Storage.SchedulePath))
	return nil
}

// Stop unwinds what Start brought up, then closes stores and log sinks.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("transport stop", logx.Err(err))
	}
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("supervised goroutines", logx.Err(err))
	}

	a.log.Info("stopped")
	return a.Close()
}

// Close releases stores and log sinks. Stop calls it; one-shot commands
// that never Start call it directly.
func (a *App) Close() error {
	var firstErr error
	if a.core != nil {
		if err := a.core.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.core = nil
	}
	if a.sched != nil {
		if err := a.sched.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.sched = nil
	}
	if a.logs != nil {
		a.logs.Close()
		a.logs = nil
	}
	return firstErr
}
