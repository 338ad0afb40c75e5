package storage

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"remindbot/pkg/logx"
)

// ErrClosed is returned once CloseAll has run.
var ErrClosed = errors.New("storage: manager closed")

var errDeleted = errors.New("storage: guild deleted during open")

// UnavailableError wraps a failure to open or access a guild's store.
type UnavailableError struct {
	GuildID string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable for guild %s: %v", e.GuildID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a store-open/access failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// slot holds one guild's lazily opened store. The sync.Once guarantees a
// single open even when concurrent callers race on an unseen guild.
type slot struct {
	once  sync.Once
	store *Store
	err   error
}

// Manager owns the guildID -> store registry.
type Manager struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

func NewManager(cfg Config, log logx.Logger) *Manager {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:   cfg,
		log:   log,
		slots: map[string]*slot{},
	}
}

func (m *Manager) pathFor(guildID string) string {
	// Guild ids are opaque; escape them so they are always safe file names.
	return filepath.Join(m.cfg.DataDir, url.PathEscape(guildID)+".db")
}

// GetOrCreate returns the guild's store, opening it on first access.
// A failed open clears the slot so a later call can retry.
func (m *Manager) GetOrCreate(guildID string) (*Store, error) {
	if strings.TrimSpace(guildID) == "" {
		return nil, &UnavailableError{GuildID: guildID, Err: errors.New("empty guild id")}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &UnavailableError{GuildID: guildID, Err: ErrClosed}
	}
	sl, ok := m.slots[guildID]
	if !ok {
		sl = &slot{}
		m.slots[guildID] = sl
	}
	m.mu.Unlock()

	sl.once.Do(func() {
		sl.store, sl.err = openStore(m.cfg, guildID, m.pathFor(guildID))
		if sl.err == nil {
			m.log.Debug("guild store opened", logx.String("guild", guildID))
		}
	})

	if sl.err != nil {
		m.mu.Lock()
		if m.slots[guildID] == sl {
			delete(m.slots, guildID)
		}
		m.mu.Unlock()
		return nil, &UnavailableError{GuildID: guildID, Err: sl.err}
	}
	return sl.store, nil
}

// DeleteGuild closes and removes the guild's store and everything in it.
// It reports whether a store existed (open or on disk). Idempotent.
func (m *Manager) DeleteGuild(guildID string) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	sl, ok := m.slots[guildID]
	delete(m.slots, guildID)
	m.mu.Unlock()

	existed := false
	if ok {
		existed = true
		// Ensure a concurrent GetOrCreate open has finished before closing.
		// If the deletion wins the once race against a first open, poison
		// the slot so the stalled opener reports unavailable instead of
		// handing out a nil store.
		sl.once.Do(func() { sl.err = errDeleted })
		if sl.store != nil {
			if err := sl.store.Close(); err != nil {
				m.log.Warn("guild store close failed", logx.String("guild", guildID), logx.Err(err))
			}
		}
	}

	path := m.pathFor(guildID)
	if _, err := os.Stat(path); err == nil {
		existed = true
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return existed, err
		}
	}
	if existed {
		m.log.Info("guild store deleted", logx.String("guild", guildID))
	}
	return existed, nil
}

// ListActiveGuilds enumerates guilds with a live store: open handles plus
// databases found on disk (so reminders survive a restart). The result
// reflects the state at call time; no snapshot isolation across a sweep.
func (m *Manager) ListActiveGuilds() []string {
	seen := map[string]bool{}

	m.mu.Lock()
	for id := range m.slots {
		seen[id] = true
	}
	dir := m.cfg.DataDir
	m.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".db") {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(name, ".db"))
			if err != nil || id == "" {
				continue
			}
			seen[id] = true
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll releases every open store. The manager refuses new opens after.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	slots := m.slots
	m.slots = map[string]*slot{}
	m.mu.Unlock()

	var firstErr error
	for id, sl := range slots {
		// Same once race as DeleteGuild: a first open that hasn't run yet
		// must observe the shutdown, not a nil store.
		sl.once.Do(func() { sl.err = ErrClosed })
		if sl.store == nil {
			continue
		}
		if err := sl.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close guild %s: %w", id, err)
		}
	}
	return firstErr
}
