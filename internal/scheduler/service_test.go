package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/resolver"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

// stubMessenger resolves every id and delivers with a scripted outcome.
// blockSends makes every delivery announce itself and wait for release, so
// tests can hold a sweep mid-dispatch.
type stubMessenger struct {
	mu          sync.Mutex
	sendErr     error
	sent        []string
	sendStarted chan string
	sendRelease chan struct{}

	roleMembers map[string][]string
}

func (m *stubMessenger) FetchUser(ctx context.Context, userID string) (transport.Handle, error) {
	return &stubHandle{id: userID, m: m}, nil
}

func (m *stubMessenger) FetchChannel(ctx context.Context, channelID string) (transport.Handle, error) {
	return &stubHandle{id: "chan:" + channelID, m: m}, nil
}

func (m *stubMessenger) FetchRoleMembers(ctx context.Context, guildID, roleID string) ([]transport.Handle, error) {
	var out []transport.Handle
	for _, id := range m.roleMembers[roleID] {
		out = append(out, &stubHandle{id: id, m: m})
	}
	return out, nil
}

type stubHandle struct {
	id string
	m  *stubMessenger
}

func (h *stubHandle) ID() string { return h.id }

func (h *stubHandle) Send(ctx context.Context, msg transport.Message) error {
	h.m.mu.Lock()
	sendErr := h.m.sendErr
	started := h.m.sendStarted
	release := h.m.sendRelease
	h.m.mu.Unlock()

	if started != nil {
		started <- h.id
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if sendErr != nil {
		return sendErr
	}
	h.m.mu.Lock()
	h.m.sent = append(h.m.sent, h.id)
	h.m.mu.Unlock()
	return nil
}

func (m *stubMessenger) blockSends() (started chan string, release chan struct{}) {
	started = make(chan string, 16)
	release = make(chan struct{})
	m.mu.Lock()
	m.sendStarted = started
	m.sendRelease = release
	m.mu.Unlock()
	return started, release
}

func (m *stubMessenger) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *stubMessenger) setSendErr(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

type fixture struct {
	repo  *reminder.Repository
	msgr  *stubMessenger
	sched *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	stores := storage.NewManager(storage.Config{DataDir: t.TempDir()}, logx.Nop())
	t.Cleanup(func() { _ = stores.CloseAll() })

	repo := reminder.NewRepository(stores, logx.Nop())
	msgr := &stubMessenger{roleMembers: map[string][]string{}}
	res := resolver.New(msgr, logx.Nop())
	return &fixture{
		repo:  repo,
		msgr:  msgr,
		sched: New(cfg, stores, repo, res, msgr, logx.Nop()),
	}
}

func dueDraft() reminder.Draft {
	return reminder.Draft{
		Subject:  "due now",
		Category: "general",
		When:     time.Now().Add(-time.Second),
	}
}

func createAssigned(t *testing.T, f *fixture, guildID, userID string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.repo.Create(ctx, guildID, dueDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.repo.AddAssignment(ctx, guildID, id, reminder.User(userID)); err != nil {
		t.Fatalf("AddAssignment: %v", err)
	}
	return id
}

func statusOf(t *testing.T, f *fixture, guildID string, id int64) reminder.Status {
	t.Helper()
	rem, err := f.repo.GetByID(context.Background(), guildID, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rem == nil {
		t.Fatalf("reminder %d vanished", id)
	}
	return rem.Status
}

func TestSweepDeliversDueReminder(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	id := createAssigned(t, f, "g", "u1")

	f.sched.Sweep(context.Background())

	if got := statusOf(t, f, "g", id); got != reminder.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", got)
	}
	snap := f.sched.Snapshot()
	if snap.Sent != 1 {
		t.Fatalf("expected sent=1, got %d", snap.Sent)
	}
	if snap.Checked != 1 {
		t.Fatalf("expected checked=1, got %d", snap.Checked)
	}
	if f.msgr.sentCount() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", f.msgr.sentCount())
	}
}

func TestSweepSkipsFutureReminder(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	d := dueDraft()
	d.When = time.Now().Add(time.Hour)
	id, err := f.repo.Create(ctx, "g", d)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.repo.AddAssignment(ctx, "g", id, reminder.User("u1")); err != nil {
		t.Fatalf("AddAssignment: %v", err)
	}

	f.sched.Sweep(ctx)

	if got := statusOf(t, f, "g", id); got != reminder.StatusActive {
		t.Fatalf("future reminder must stay ACTIVE, got %s", got)
	}
	if snap := f.sched.Snapshot(); snap.Checked != 0 {
		t.Fatalf("future reminder must not be checked, got %d", snap.Checked)
	}
}

func TestTransientFailuresExhaustRetryBudget(t *testing.T) {
	const maxAttempts = 3
	f := newFixture(t, Config{MaxAttempts: maxAttempts})
	id := createAssigned(t, f, "g", "u1")
	f.msgr.setSendErr(transport.Transient("rate limited", nil))

	ctx := context.Background()
	for tick := 1; tick < maxAttempts; tick++ {
		f.sched.Sweep(ctx)
		if got := statusOf(t, f, "g", id); got != reminder.StatusActive {
			t.Fatalf("tick %d: expected ACTIVE, got %s", tick, got)
		}
	}

	f.sched.Sweep(ctx)
	if got := statusOf(t, f, "g", id); got != reminder.StatusFailed {
		t.Fatalf("expected FAILED after %d ticks, got %s", maxAttempts, got)
	}

	rem, err := f.repo.GetByID(ctx, "g", id)
	if err != nil || rem == nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rem.AttemptCount != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, rem.AttemptCount)
	}

	snap := f.sched.Snapshot()
	if snap.Retried != maxAttempts-1 {
		t.Fatalf("expected retried=%d, got %d", maxAttempts-1, snap.Retried)
	}
	if snap.Failed != 1 {
		t.Fatalf("expected failed=1, got %d", snap.Failed)
	}

	// A further sweep must not touch the terminal reminder.
	f.sched.Sweep(ctx)
	if got := f.sched.Snapshot().Checked; got != maxAttempts {
		t.Fatalf("terminal reminder re-checked: checked=%d", got)
	}
}

func TestPermanentFailureShortCircuits(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 5})
	id := createAssigned(t, f, "g", "u1")
	f.msgr.setSendErr(transport.Permanent("dms disabled", nil))

	ctx := context.Background()
	f.sched.Sweep(ctx)

	if got := statusOf(t, f, "g", id); got != reminder.StatusFailed {
		t.Fatalf("expected immediate FAILED, got %s", got)
	}
	rem, err := f.repo.GetByID(ctx, "g", id)
	if err != nil || rem == nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rem.AttemptCount != 0 {
		t.Fatalf("permanent failure must not consume the retry budget, got %d attempts", rem.AttemptCount)
	}

	snap := f.sched.Snapshot()
	if snap.DMFailed != 1 || snap.Failed != 1 {
		t.Fatalf("expected dmFailed=1 failed=1, got %d/%d", snap.DMFailed, snap.Failed)
	}
}

func TestRoleAssignmentFansOutAtDeliveryTime(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	id, err := f.repo.Create(ctx, "g", dueDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.repo.AddAssignment(ctx, "g", id, reminder.Role("ops")); err != nil {
		t.Fatalf("AddAssignment: %v", err)
	}
	f.msgr.roleMembers["ops"] = []string{"u1", "u2", "u3"}

	f.sched.Sweep(ctx)

	if got := statusOf(t, f, "g", id); got != reminder.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", got)
	}
	if f.msgr.sentCount() != 3 {
		t.Fatalf("expected 3 member deliveries, got %d", f.msgr.sentCount())
	}
	if snap := f.sched.Snapshot(); snap.Sent != 3 {
		t.Fatalf("expected sent=3, got %d", snap.Sent)
	}
}

func TestChannelMethodDeliversOnceWithMentions(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	id, err := f.repo.Create(ctx, "g", reminder.Draft{
		Subject:   "standup",
		Category:  "work",
		ChannelID: "c42",
		When:      time.Now().Add(-time.Second),
		Method:    reminder.MethodChannel,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, err := f.repo.AddAssignment(ctx, "g", id, reminder.User(u)); err != nil {
			t.Fatalf("AddAssignment: %v", err)
		}
	}

	f.sched.Sweep(ctx)

	if got := statusOf(t, f, "g", id); got != reminder.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", got)
	}
	f.msgr.mu.Lock()
	sent := append([]string(nil), f.msgr.sent...)
	f.msgr.mu.Unlock()
	if len(sent) != 1 || sent[0] != "chan:c42" {
		t.Fatalf("expected one channel delivery, got %v", sent)
	}
}

func TestSweepAcrossManyGuilds(t *testing.T) {
	const guilds = 10
	const perGuild = 10
	f := newFixture(t, Config{MaxAttempts: 3, Workers: 8, RatePerSec: 1000})

	ctx := context.Background()
	for g := 0; g < guilds; g++ {
		guildID := fmt.Sprintf("guild-%02d", g)
		for i := 0; i < perGuild; i++ {
			createAssigned(t, f, guildID, fmt.Sprintf("user-%d", i))
		}
	}

	f.sched.Sweep(ctx)

	for g := 0; g < guilds; g++ {
		guildID := fmt.Sprintf("guild-%02d", g)
		stats, err := f.repo.Stats(ctx, guildID)
		if err != nil {
			t.Fatalf("Stats %s: %v", guildID, err)
		}
		want := reminder.Stats{Total: perGuild, Processed: perGuild}
		if stats != want {
			t.Fatalf("%s: expected %+v, got %+v", guildID, want, stats)
		}
	}

	snap := f.sched.Snapshot()
	if snap.Sent != guilds*perGuild {
		t.Fatalf("expected sent=%d, got %d", guilds*perGuild, snap.Sent)
	}
	if snap.Checked != guilds*perGuild {
		t.Fatalf("expected checked=%d, got %d", guilds*perGuild, snap.Checked)
	}
}

func TestNoAssignmentsIsVacuousSuccess(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	id, err := f.repo.Create(ctx, "g", dueDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.sched.Sweep(ctx)

	if got := statusOf(t, f, "g", id); got != reminder.StatusProcessed {
		t.Fatalf("expected PROCESSED for assignment-less reminder, got %s", got)
	}
	if f.msgr.sentCount() != 0 {
		t.Fatalf("expected no dispatches, got %d", f.msgr.sentCount())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, CheckInterval: time.Hour, MaxAttempts: 3})
	ctx := context.Background()

	f.sched.Start(ctx)
	f.sched.Start(ctx) // no-op

	snap := f.sched.Snapshot()
	if !snap.Running {
		t.Fatalf("expected running after Start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f.sched.Stop(stopCtx)
	f.sched.Stop(stopCtx) // no-op

	if f.sched.Snapshot().Running {
		t.Fatalf("expected stopped after Stop")
	}

	// Restart works after a clean stop.
	f.sched.Start(ctx)
	if !f.sched.Snapshot().Running {
		t.Fatalf("expected running after restart")
	}
	f.sched.Stop(stopCtx)
}

func TestOverlappingTickSkippedWhileSweepRuns(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, CheckInterval: time.Hour, MaxAttempts: 3})
	id := createAssigned(t, f, "g", "u1")
	started, release := f.msgr.blockSends()

	ctx := context.Background()
	f.sched.Start(ctx)

	tickDone := make(chan struct{})
	go func() {
		f.sched.onTick()
		close(tickDone)
	}()
	<-started // first sweep is holding the reminder mid-send

	f.sched.onTick()
	select {
	case target := <-started:
		t.Fatalf("overlapping tick dispatched %q while a sweep was running", target)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-tickDone
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f.sched.Stop(stopCtx)

	if got := statusOf(t, f, "g", id); got != reminder.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", got)
	}
	snap := f.sched.Snapshot()
	if snap.Sent != 1 || f.msgr.sentCount() != 1 {
		t.Fatalf("expected exactly one delivery, got sent=%d dispatches=%d", snap.Sent, f.msgr.sentCount())
	}
	if snap.TicksSkipped != 1 {
		t.Fatalf("expected ticksSkipped=1, got %d", snap.TicksSkipped)
	}
}

func TestShutdownSignalDoesNotCutInFlightDispatch(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, CheckInterval: time.Hour, MaxAttempts: 3})
	id := createAssigned(t, f, "g", "u1")
	started, release := f.msgr.blockSends()

	startCtx, cancel := context.WithCancel(context.Background())
	f.sched.Start(startCtx)

	tickDone := make(chan struct{})
	go func() {
		f.sched.onTick()
		close(tickDone)
	}()
	<-started

	// The caller's context dies mid-send, the way a shutdown signal would.
	cancel()
	close(release)
	<-tickDone

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	f.sched.Stop(stopCtx)

	if got := statusOf(t, f, "g", id); got != reminder.StatusProcessed {
		t.Fatalf("in-flight dispatch must finish and be recorded, got %s", got)
	}
	if f.msgr.sentCount() != 1 {
		t.Fatalf("expected the send to complete, got %d dispatches", f.msgr.sentCount())
	}
}

func TestDueRemindersInGuildDispatchConcurrently(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, Workers: 4})
	a := createAssigned(t, f, "g", "u1")
	b := createAssigned(t, f, "g", "u2")
	started, release := f.msgr.blockSends()

	done := make(chan struct{})
	go func() {
		f.sched.Sweep(context.Background())
		close(done)
	}()

	// Both reminders must be in flight before either send completes.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 2 reminders in flight; guild processing is serial", i)
		}
	}
	close(release)
	<-done

	for _, id := range []int64{a, b} {
		if got := statusOf(t, f, "g", id); got != reminder.StatusProcessed {
			t.Fatalf("reminder %d: expected PROCESSED, got %s", id, got)
		}
	}
}

func TestAttemptHistoryRecorded(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	createAssigned(t, f, "g", "u1")

	f.sched.Sweep(context.Background())

	snap := f.sched.Snapshot()
	if len(snap.Attempts) != 1 {
		t.Fatalf("expected one recorded attempt, got %d", len(snap.Attempts))
	}
	a := snap.Attempts[0]
	if a.Outcome != OutcomeSent || a.Target != "u1" || a.GuildID != "g" {
		t.Fatalf("attempt record wrong: %+v", a)
	}
}
