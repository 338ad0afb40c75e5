package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

// Sweep runs one full tick: every active guild is processed in its own
// goroutine and failure boundary. Exported so callers (and tests) can drive
// a tick without the cron runner.
func (s *Service) Sweep(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sem := s.sem
	s.mu.Unlock()

	start := time.Now()
	guilds := s.stores.ListActiveGuilds()

	var wg sync.WaitGroup
	for _, guildID := range guilds {
		wg.Add(1)
		go func(guildID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in guild sweep",
						logx.String("guild", guildID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.sweepGuild(ctx, cfg, lim, sem, guildID)
		}(guildID)
	}
	wg.Wait()

	s.log.Debug("sweep finished",
		logx.Int("guilds", len(guilds)),
		logx.Duration("took", time.Since(start)))
}

func (s *Service) sweepGuild(ctx context.Context, cfg Config, lim *rate.Limiter, sem chan struct{}, guildID string) {
	due, err := s.repo.Due(ctx, guildID, time.Now())
	if err != nil {
		if storage.IsUnavailable(err) {
			// Skip this guild for the tick; others keep going.
			s.log.Warn("guild skipped: store unavailable", logx.String("guild", guildID), logx.Err(err))
		} else {
			s.log.Error("due scan failed", logx.String("guild", guildID), logx.Err(err))
		}
		return
	}

	// Due reminders fan out too; the dispatch pool caps actual send
	// concurrency, so a slow recipient can't stall the rest of the guild.
	var wg sync.WaitGroup
	for i := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}
		s.checked.Add(1)
		wg.Add(1)
		go func(rem reminder.Reminder) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic processing reminder",
						logx.String("guild", guildID),
						logx.Int64("reminder", rem.ID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.processReminder(ctx, cfg, lim, sem, rem)
		}(due[i])
	}
	wg.Wait()
}

// processReminder is the single mutator for its reminder within a tick:
// dispatches may run concurrently, but the status transition happens once,
// after all outcomes are in.
func (s *Service) processReminder(ctx context.Context, cfg Config, lim *rate.Limiter, sem chan struct{}, rem reminder.Reminder) {
	log := s.log.With(logx.String("guild", rem.GuildID), logx.Int64("reminder", rem.ID))

	asgs, err := s.repo.ListAssignments(ctx, rem.GuildID, rem.ID)
	if err != nil {
		// Storage trouble, not a delivery outcome; leave ACTIVE for next tick.
		log.Error("assignment load failed", logx.Err(err))
		return
	}

	msg := transport.Message{
		Subject:  rem.Subject,
		Category: rem.Category,
		Content:  rem.Content,
		Due:      rem.When,
	}

	type target struct {
		handle transport.Handle
	}
	var targets []target
	var results []error

	if rem.Method == reminder.MethodChannel {
		for _, asg := range asgs {
			if asg.Assignee.Type == reminder.AssigneeUser {
				msg.Mentions = append(msg.Mentions, asg.Assignee.ID)
			}
		}
		ch, err := s.msgr.FetchChannel(ctx, rem.ChannelID)
		if err != nil {
			results = append(results, transport.Classify(err))
		} else {
			targets = append(targets, target{handle: ch})
		}
	} else {
		if len(asgs) == 0 {
			// Nothing to deliver; vacuous success.
			log.Warn("due reminder has no assignments; marking processed")
			if err := s.repo.MarkProcessed(ctx, rem.GuildID, rem.ID); err != nil && !errors.Is(err, reminder.ErrNotFound) {
				log.Error("status update failed", logx.Err(err))
			}
			return
		}
		// Resolution phase first, so an invariant violation aborts before
		// any dispatch goes out.
		for _, asg := range asgs {
			handles, err := s.res.Resolve(ctx, rem.GuildID, asg)
			if err != nil {
				var iv *reminder.InvariantViolationError
				if errors.As(err, &iv) {
					// A bug, not a delivery outcome. Already logged by the
					// resolver; abort without touching the status.
					return
				}
				results = append(results, transport.Classify(err))
				continue
			}
			for _, h := range handles {
				targets = append(targets, target{handle: h})
			}
		}
	}

	var (
		rmu sync.Mutex
		wg  sync.WaitGroup
	)
	for _, t := range targets {
		wg.Add(1)
		go func(h transport.Handle) {
			defer wg.Done()
			err := s.dispatch(ctx, cfg, lim, sem, h, msg)
			s.recordAttempt(Attempt{
				GuildID:    rem.GuildID,
				ReminderID: rem.ID,
				Target:     h.ID(),
				Outcome:    outcomeOf(err),
				At:         time.Now(),
				Error:      errString(err),
			})
			rmu.Lock()
			results = append(results, err)
			rmu.Unlock()
		}(t.handle)
	}
	wg.Wait()

	var sentCnt, permanentCnt, transientCnt int
	for _, err := range results {
		switch {
		case err == nil:
			sentCnt++
		case transport.IsPermanent(err):
			permanentCnt++
		default:
			transientCnt++
		}
	}
	s.sent.Add(uint64(sentCnt))

	switch {
	case permanentCnt > 0:
		// Permanent failure short-circuits the retry budget.
		s.dmFailed.Add(uint64(permanentCnt))
		s.failed.Add(1)
		if err := s.repo.MarkFailed(ctx, rem.GuildID, rem.ID); err != nil && !errors.Is(err, reminder.ErrNotFound) {
			log.Error("status update failed", logx.Err(err))
			return
		}
		log.Warn("reminder failed: permanent delivery error",
			logx.Int("targets", len(results)), logx.Int("permanent", permanentCnt))
	case transientCnt > 0:
		terminal, err := s.repo.RecordAttemptFailure(ctx, rem.GuildID, rem.ID, cfg.MaxAttempts)
		if err != nil {
			if !errors.Is(err, reminder.ErrNotFound) {
				log.Error("attempt record failed", logx.Err(err))
			}
			return
		}
		if terminal {
			s.failed.Add(1)
			log.Warn("reminder failed: retry budget exhausted", logx.Int("max_attempts", cfg.MaxAttempts))
		} else {
			s.retried.Add(1)
			log.Debug("transient delivery failure; will retry on a later tick",
				logx.Int("transient", transientCnt))
		}
	default:
		if err := s.repo.MarkProcessed(ctx, rem.GuildID, rem.ID); err != nil && !errors.Is(err, reminder.ErrNotFound) {
			log.Error("status update failed", logx.Err(err))
			return
		}
		log.Info("reminder delivered", logx.Int("targets", sentCnt))
	}
}

// dispatch performs one send under the process-wide concurrency cap, the
// rate limiter, and the per-send timeout. A timeout counts as transient.
func (s *Service) dispatch(ctx context.Context, cfg Config, lim *rate.Limiter, sem chan struct{}, h transport.Handle, m transport.Message) error {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return transport.Transient("dispatch canceled", ctx.Err())
	}
	defer func() { <-sem }()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return transport.Transient("rate limit wait canceled", err)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := h.Send(cctx, m)
	cancel()
	return transport.Classify(err)
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSent
	case transport.IsPermanent(err):
		return OutcomePermanentFailure
	default:
		return OutcomeTransientFailure
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
