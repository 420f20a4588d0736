// Package app wires the daemon together: config, logging, storage, the
// timer coordinator, the firing pipeline, the admin API and background
// maintenance sweeps.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"expensed/internal/config"
	"expensed/internal/eventbus"
	"expensed/internal/expense"
	"expensed/internal/httpapi"
	"expensed/internal/notifier"
	"expensed/internal/pipeline"
	"expensed/internal/storage"
	"expensed/internal/template"
	"expensed/internal/timer"
	logx "expensed/pkg/logx"
)

const (
	envExpenseToken  = "EXPENSE_API_TOKEN"
	envTelegramToken = "TELEGRAM_BOT_TOKEN"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	kv        storage.Store
	templates *template.Store

	timers *timer.InProc
	coord  *timer.Coordinator
	pipe   *pipeline.Pipeline
	notif  *notifier.Service
	api    *httpapi.Server

	maint *cron.Cron

	cancel context.CancelFunc
	done   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validate)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	templates := template.NewStore(kv)

	timers := timer.NewInProc(log.With(logx.String("comp", "timer")))
	coord := timer.NewCoordinator(kv, timers, templates, log.With(logx.String("comp", "coordinator")))

	ec, err := mapExpenseConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := expense.NewClient(ec, tokenFromEnv(envExpenseToken), log.With(logx.String("comp", "expense")))
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(templates, coord, client, bus, log.With(logx.String("comp", "pipeline")))

	// The timer service fires into the pipeline. Installed after construction
	// so the coordinator and pipeline can share one timer service.
	timers.SetHandler(func(id string, firedAt time.Time) {
		pipe.Fire(context.Background(), id, firedAt)
	})

	var notif *notifier.Service
	if nc := cfg.Notifier; nc != nil {
		notif, err = notifier.New(notifier.Config{
			Enabled: nc.Enabled,
			Token:   os.Getenv(envTelegramToken),
			ChatID:  nc.ChatID,
		}, log.With(logx.String("comp", "notifier")))
		if err != nil {
			return nil, err
		}
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.New(httpapi.Config{Listen: cfg.HTTP.Listen},
			templates, coord, pipe, log.With(logx.String("comp", "http")))
	}

	maint, err := buildMaintenance(cfg, coord, templates, log.With(logx.String("comp", "maintenance")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		kv:        kv,
		templates: templates,
		timers:    timers,
		coord:     coord,
		pipe:      pipe,
		notif:     notif,
		api:       api,
		maint:     maint,
		done:      make(chan struct{}),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Rebuild wake-ups from persisted state before anything can fire.
	if _, err := a.coord.Reconcile(runCtx); err != nil {
		cancel()
		return fmt.Errorf("startup reconcile: %w", err)
	}

	if a.notif != nil {
		go a.notif.WatchFailures(runCtx, a.bus)
	}

	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	if a.maint != nil {
		a.maint.Start()
	}

	go a.watchConfig(runCtx)

	a.log.Info("app started")
	return nil
}

// watchConfig applies hot-reloadable settings. Only logging takes effect
// live; storage, http and expense changes need a restart.
func (a *App) watchConfig(ctx context.Context) {
	defer close(a.done)
	err := a.cfgm.Watch(ctx, func(cfg *config.Config) {
		a.logs.Apply(mapLoggingConfig(cfg))
		a.log.Info("logging config applied")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("config watch stopped", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	if a.maint != nil {
		stopped := a.maint.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			a.log.Warn("maintenance jobs did not finish before deadline")
		}
	}

	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.log.Warn("http shutdown error", logx.Err(err))
		}
	}

	// Timers before storage: a firing mid-flight still needs the store.
	a.timers.Close()

	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
	}

	if err := a.kv.Close(); err != nil {
		a.log.Warn("storage close error", logx.Err(err))
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// buildMaintenance sets up the periodic reconcile and history-prune sweeps.
func buildMaintenance(cfg *config.Config, coord *timer.Coordinator, templates *template.Store, log logx.Logger) (*cron.Cron, error) {
	mc := cfg.Maintenance
	reconcileSpec := "@every 1h"
	pruneSpec := "30 3 * * *"
	keep := 500
	loc := time.Local
	if mc != nil {
		if strings.TrimSpace(mc.ReconcileSpec) != "" {
			reconcileSpec = mc.ReconcileSpec
		}
		if strings.TrimSpace(mc.PruneSpec) != "" {
			pruneSpec = mc.PruneSpec
		}
		if mc.HistoryKeep > 0 {
			keep = mc.HistoryKeep
		}
		if tz := strings.TrimSpace(mc.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
			}
			loc = l
		}
	}

	c := cron.New(cron.WithLocation(loc))

	if _, err := c.AddFunc(reconcileSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := coord.Reconcile(ctx); err != nil {
			log.Error("periodic reconcile failed", logx.Err(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("maintenance.reconcile_spec: %w", err)
	}

	if _, err := c.AddFunc(pruneSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		tpls, err := templates.List(ctx)
		if err != nil {
			log.Error("history prune: list failed", logx.Err(err))
			return
		}
		total := 0
		for _, tpl := range tpls {
			n, err := templates.PruneHistory(ctx, tpl.ID, keep)
			if err != nil {
				log.Warn("history prune failed", logx.String("template", tpl.ID), logx.Err(err))
				continue
			}
			total += n
		}
		if total > 0 {
			log.Info("history pruned", logx.Int("dropped", total))
		}
	}); err != nil {
		return nil, fmt.Errorf("maintenance.prune_spec: %w", err)
	}

	return c, nil
}

func tokenFromEnv(key string) expense.TokenFunc {
	return func(ctx context.Context) (string, error) {
		tok := strings.TrimSpace(os.Getenv(key))
		if tok == "" {
			return "", fmt.Errorf("%s is not set", key)
		}
		return tok, nil
	}
}
