package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the in-memory account pool backed by a flat JSON file. It is the
// single writer for accounts.json; all mutation goes through its exported
// methods so the debounced flush sees every change.
type Store struct {
	mu       sync.RWMutex
	path     string
	accounts map[string]*Account

	flushInterval time.Duration
	flushMu       sync.Mutex
	flushTimer    *time.Timer
	dirty         bool
	stopCh        chan struct{}
	stopped       bool
}

type fileFormat struct {
	Accounts []*Account `json:"accounts"`
}

// Open loads accounts.json, starting with an empty pool if the file is absent
// (nothing is written until the first flush). The debounce-flush timer is
// armed lazily by the first write.
func Open(path string, flushInterval time.Duration) (*Store, error) {
	s := &Store{
		path:          path,
		accounts:      make(map[string]*Account),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Info().Str("path", s.path).Msg("account store file not found, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read account store: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("parse account store: %w", err)
	}

	for _, a := range ff.Accounts {
		s.accounts[a.ID] = a
	}

	log.Info().Str("path", s.path).Int("count", len(s.accounts)).Msg("loaded account store")
	return nil
}

// List returns clones of every account, in no particular order.
func (s *Store) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// Get returns a clone of one account, or nil if unknown.
func (s *Store) Get(id string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	return a.Clone()
}

// Upsert inserts or replaces an account wholesale and schedules a flush.
func (s *Store) Upsert(a *Account) {
	s.mu.Lock()
	s.accounts[a.ID] = a.Clone()
	s.mu.Unlock()

	s.scheduleFlush()
}

// Delete removes an account and schedules a flush.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()

	s.scheduleFlush()
}

// Mutate applies fn to the account under lock and schedules a flush. It is
// the primitive the forwarding engine uses to record per-account state
// (selection time, block windows, recent errors) without losing
// updates to a racing writer.
func (s *Store) Mutate(id string, fn func(a *Account)) bool {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if ok {
		fn(a)
	}
	s.mu.Unlock()

	if ok {
		s.scheduleFlush()
	}
	return ok
}

// scheduleFlush arms the debounce timer on first dirty write since the last
// flush; subsequent writes within the window just flip the dirty flag.
func (s *Store) scheduleFlush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.dirty = true
	if s.flushTimer != nil {
		return
	}

	s.flushTimer = time.AfterFunc(s.flushInterval, func() {
		s.flushMu.Lock()
		s.flushTimer = nil
		wasDirty := s.dirty
		s.dirty = false
		s.flushMu.Unlock()

		if wasDirty {
			if err := s.Flush(); err != nil {
				log.Error().Err(err).Msg("account store flush failed")
			}
		}
	})
}

// Flush writes the current account set to disk via tmp-file-then-rename.
func (s *Store) Flush() error {
	s.mu.RLock()
	ff := fileFormat{Accounts: make([]*Account, 0, len(s.accounts))}
	for _, a := range s.accounts {
		ff.Accounts = append(ff.Accounts, a)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create account store dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp account file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp account file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp account file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename account file: %w", err)
	}

	log.Debug().Str("path", s.path).Int("count", len(ff.Accounts)).Msg("flushed account store")
	return nil
}

// Close flushes any pending dirty state and stops the debounce timer.
func (s *Store) Close() error {
	s.flushMu.Lock()
	if s.stopped {
		s.flushMu.Unlock()
		return nil
	}
	s.stopped = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	dirty := s.dirty
	s.dirty = false
	s.flushMu.Unlock()

	if dirty {
		return s.Flush()
	}
	return nil
}
