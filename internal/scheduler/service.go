package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"remindbot/internal/reminder"
	"remindbot/internal/resolver"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

const attemptHistoryMax = 300

// Service is the notification scheduler. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	stores *storage.Manager
	repo   *reminder.Repository
	res    *resolver.Resolver
	msgr   transport.Messenger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sem     chan struct{}

	c         *cron.Cron
	entry     cron.EntryID
	stopCh    chan struct{}
	stopDone  chan struct{}
	sweeping  bool
	runCtx    context.Context
	runCancel context.CancelFunc
	sweepWG   sync.WaitGroup

	checked      atomic.Uint64
	sent         atomic.Uint64
	retried      atomic.Uint64
	failed       atomic.Uint64
	dmFailed     atomic.Uint64
	ticksSkipped atomic.Uint64

	hmu     sync.Mutex
	history []Attempt
}

func New(cfg Config, stores *storage.Manager, repo *reminder.Repository, res *resolver.Resolver, msgr transport.Messenger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		stores: stores,
		repo:   repo,
		res:    res,
		msgr:   msgr,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if s.sem == nil {
		// Pool resizing while running is not supported; the cap set at
		// construction (or first Apply before Start) stays in effect.
		s.sem = make(chan struct{}, cfg.Workers)
	}
}

// Apply updates the config. A changed interval reschedules the tick on a
// running scheduler.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldInterval := s.cfg.CheckInterval
	s.applyLocked(cfg)

	if s.c != nil && s.cfg.CheckInterval != oldInterval {
		s.c.Remove(s.entry)
		s.entry = s.c.Schedule(cron.Every(s.cfg.CheckInterval), cron.FuncJob(s.onTick))
		s.log.Info("sweep interval changed", logx.Duration("interval", s.cfg.CheckInterval))
	}
}

// Start begins ticking. Calling Start on a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete first.
	for {
		s.mu.Lock()
		if s.stopDone == nil {
			break
		}
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	if s.stopCh != nil {
		// already running
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; not starting")
		return
	}

	s.stopCh = make(chan struct{})
	// Sweeps answer to Stop, not to the caller's context: a shutdown signal
	// must not cut off in-flight dispatches before Stop drains them.
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	s.c = cron.New()
	s.entry = s.c.Schedule(cron.Every(s.cfg.CheckInterval), cron.FuncJob(s.onTick))
	s.c.Start()

	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.CheckInterval),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
		logx.Int("workers", s.cfg.Workers),
	)
}

// Stop prevents new ticks and waits for the in-flight sweep to drain,
// bounded by ctx. In-flight dispatches finish (or hit their send timeout);
// they are cancelled only if ctx expires first. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if s.stopCh == nil {
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return
		}
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	s.stopCh = nil // onTick refuses to start a sweep from here on
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if c != nil {
		<-c.Stop().Done()
	}

	go func() {
		s.sweepWG.Wait()
		s.mu.Lock()
		s.stopDone = nil
		s.runCtx = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
	case <-ctx.Done():
		// Give up waiting; cancel whatever is still in flight.
		if cancel != nil {
			cancel()
		}
	}
}

func (s *Service) onTick() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.sweeping {
		// The previous sweep is still running; skip this firing so a slow
		// sweep never races a second one over the same due reminders.
		s.mu.Unlock()
		s.ticksSkipped.Add(1)
		s.log.Warn("tick skipped: previous sweep still running")
		return
	}
	s.sweeping = true
	ctx := s.runCtx
	s.sweepWG.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
		s.sweepWG.Done()
	}()

	s.Sweep(ctx)
}

// Snapshot returns the current counters and recent attempts.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	s.hmu.Lock()
	attempts := append([]Attempt(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:       cfg.Enabled,
		Running:       running,
		CheckInterval: cfg.CheckInterval,
		MaxAttempts:   cfg.MaxAttempts,
		Workers:       cfg.Workers,
		RatePerSec:    cfg.RatePerSec,
		Checked:       s.checked.Load(),
		Sent:          s.sent.Load(),
		Retried:       s.retried.Load(),
		Failed:        s.failed.Load(),
		DMFailed:      s.dmFailed.Load(),
		TicksSkipped:  s.ticksSkipped.Load(),
		Attempts:      attempts,
	}
}

func (s *Service) recordAttempt(a Attempt) {
	s.hmu.Lock()
	s.history = append(s.history, a)
	if len(s.history) > attemptHistoryMax {
		s.history = s.history[len(s.history)-attemptHistoryMax:]
	}
	s.hmu.Unlock()
}
