// Package file persists the session registry as per-agent JSON documents
// under the sessions directory: <dir>/<agentId>/sessions.json.
package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/sessions"
)

const defaultFlushDelay = 100 * time.Millisecond

// SessionStore implements sessions.Store on the filesystem. Writes are
// debounced: mutations mark the owning agent file dirty and a short timer
// folds bursts into one atomic write (temp file then rename).
type SessionStore struct {
	dir   string
	delay time.Duration

	mu     sync.Mutex
	agents map[string]map[string]*sessions.Entry // agentId → key → entry
	dirty  map[string]bool
	timer  *time.Timer
}

// NewSessionStore creates a file store rooted at dir. delay <= 0 uses the
// default 100 ms debounce.
func NewSessionStore(dir string, delay time.Duration) *SessionStore {
	if delay <= 0 {
		delay = defaultFlushDelay
	}
	return &SessionStore{
		dir:    dir,
		delay:  delay,
		agents: make(map[string]map[string]*sessions.Entry),
		dirty:  make(map[string]bool),
	}
}

// LoadAll reads every <dir>/<agent>/sessions.json. A missing directory is an
// empty registry; an unreadable agent file is skipped with a warning so one
// corrupt file cannot take the gateway down.
func (s *SessionStore) LoadAll() (map[string]*sessions.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*sessions.Entry{}, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	out := make(map[string]*sessions.Entry)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		agentID := d.Name()
		path := filepath.Join(s.dir, agentID, "sessions.json")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("store.sessions_read_failed", "path", path, "error", err)
			}
			continue
		}

		var entries map[string]*sessions.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			slog.Warn("store.sessions_corrupt", "path", path, "error", err)
			continue
		}

		s.agents[agentID] = entries
		for key, e := range entries {
			out[key] = e.Clone()
		}
	}
	return out, nil
}

// Put records the entry and schedules a debounced write of its agent file.
func (s *SessionStore) Put(key string, e *sessions.Entry) error {
	agentID := sessions.AgentID(key)
	if agentID == "" {
		return fmt.Errorf("put session: malformed key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.agents[agentID]
	if !ok {
		m = make(map[string]*sessions.Entry)
		s.agents[agentID] = m
	}
	m[key] = e.Clone()
	s.markDirtyLocked(agentID)
	return nil
}

// Delete removes the entry and schedules a write.
func (s *SessionStore) Delete(key string) error {
	agentID := sessions.AgentID(key)
	if agentID == "" {
		return fmt.Errorf("delete session: malformed key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.agents[agentID]; ok {
		delete(m, key)
		s.markDirtyLocked(agentID)
	}
	return nil
}

// Flush writes all dirty agent files immediately. Called at shutdown.
func (s *SessionStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.flushLocked()
}

func (s *SessionStore) markDirtyLocked(agentID string) {
	s.dirty[agentID] = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = nil
		if err := s.flushLocked(); err != nil {
			slog.Warn("store.sessions_flush_failed", "error", err)
		}
	})
}

func (s *SessionStore) flushLocked() error {
	var firstErr error
	for agentID := range s.dirty {
		if err := s.writeAgentLocked(agentID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dirty = make(map[string]bool)
	return firstErr
}

func (s *SessionStore) writeAgentLocked(agentID string) error {
	dir := filepath.Join(s.dir, agentID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}

	entries := s.agents[agentID]
	if entries == nil {
		entries = map[string]*sessions.Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(dir, "sessions.json")); err != nil {
		return fmt.Errorf("rename sessions file: %w", err)
	}
	cleanup = false
	return nil
}
