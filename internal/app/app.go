// Package app wires the reminder core together: config, logging, the
// guild store manager, the repository, the resolver, and the scheduler.
// Components are plain injected structs; nothing here is a process-wide
// singleton, so tests can build fresh instances freely.
package app

import (
	"context"
	"os"
	"sync"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/reminder"
	"remindbot/internal/resolver"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	stores *storage.Manager
	repo   *reminder.Repository
	sched  *scheduler.Service

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
	sub         chan *config.Config
}

// New loads the config (falling back to defaults when the file does not
// exist) and constructs every component. The messenger is injected; the
// core never owns the transport.
func New(cfgPath string, msgr transport.Messenger) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = config.Default()
		cfgMgr.Commit(cfg)
	}

	logSvc, log := logx.New(cfg.Log)
	cfgMgr.SetLogger(log)
	if os.IsNotExist(err) {
		log.Warn("config file missing; running with defaults", logx.String("path", cfgPath))
	}

	stores := storage.NewManager(storageConfig(cfg), log)
	repo := reminder.NewRepository(stores, log)
	res := resolver.New(msgr, log)
	sched := scheduler.New(schedulerConfig(cfg), stores, repo, res, msgr, log)

	return &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
		stores: stores,
		repo:   repo,
		sched:  sched,
	}, nil
}

// Repository exposes the reminder operations to the command layer.
func (a *App) Repository() *reminder.Repository { return a.repo }

// Stores exposes guild lifecycle operations to the command layer.
func (a *App) Stores() *storage.Manager { return a.stores }

// Scheduler exposes start/stop and the stats snapshot.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	a.sub = a.cfgMgr.Subscribe(1)
	sub := a.sub
	a.mu.Unlock()

	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgMgr.Watch(watchCtx)
	}()
	go func() {
		defer a.watchWG.Done()
		for cfg := range sub {
			a.logSvc.Apply(cfg.Log)
			a.sched.Apply(schedulerConfig(cfg))
			a.log.Info("configuration applied")
		}
	}()

	a.sched.Start(ctx)
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop(ctx)

	a.mu.Lock()
	cancel := a.watchCancel
	a.watchCancel = nil
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		a.cfgMgr.Unsubscribe(sub)
	}
	a.watchWG.Wait()

	err := a.stores.CloseAll()
	if err != nil {
		a.log.Error("store shutdown failed", logx.Err(err))
	}
	a.log.Info("app stopped")
	_ = a.logSvc.Close()
	return err
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		DataDir:     cfg.Storage.DataDir,
		BusyTimeout: time.Duration(cfg.Storage.BusyTimeout),
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		CheckInterval: time.Duration(cfg.Scheduler.CheckInterval),
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		Workers:       cfg.Scheduler.Workers,
		RatePerSec:    cfg.Scheduler.RatePerSec,
		SendTimeout:   time.Duration(cfg.Scheduler.SendTimeout),
	}
}
