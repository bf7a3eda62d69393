package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// watchDebounce folds bursts of fsnotify events into one reload.
const watchDebounce = 150 * time.Millisecond

// Store owns cron/jobs.json: an in-memory job map persisted atomically after
// every mutation, with an fsnotify watcher picking up external edits.
type Store struct {
	path string

	mu         sync.Mutex
	jobs       map[string]*Job
	selfWrites int // persist() increments; the watcher consumes instead of reloading

	watcher  *fsnotify.Watcher
	reload   *time.Timer
	onChange func()
}

// NewStore creates a store backed by path. Call Load before use.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		jobs: make(map[string]*Job),
	}
}

// Load reads jobs.json from disk. A missing file is an empty store. An `at`
// job found with runningAtMs set was mid-execution when the process died; it
// is treated as consumed so the job never fires twice.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.jobs = make(map[string]*Job)
			return nil
		}
		return fmt.Errorf("read cron jobs: %w", err)
	}

	var doc struct {
		Jobs []*Job `json:"jobs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse cron jobs: %w", err)
	}

	jobs := make(map[string]*Job, len(doc.Jobs))
	for _, j := range doc.Jobs {
		if j.ID == "" {
			continue
		}
		if j.Schedule.Kind == ScheduleAt && j.State.RunningAtMs > 0 {
			slog.Warn("cron.at_job_consumed", "job", j.ID, "running_at_ms", j.State.RunningAtMs)
			j.Enabled = false
			j.State.RunningAtMs = 0
		}
		jobs[j.ID] = j
	}
	s.jobs = jobs
	return nil
}

// Watch starts the fsnotify watcher. onChange fires (debounced) after the
// store reloaded an external edit; the store's own writes are suppressed.
func (s *Store) Watch(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cron watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		w.Close()
		return fmt.Errorf("create cron dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch cron dir: %w", err)
	}

	s.mu.Lock()
	s.watcher = w
	s.onChange = onChange
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				s.scheduleReload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("cron.watch_error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selfWrites > 0 {
		s.selfWrites--
		return
	}
	if s.reload != nil {
		s.reload.Stop()
	}
	s.reload = time.AfterFunc(watchDebounce, func() {
		s.mu.Lock()
		err := s.loadLocked()
		cb := s.onChange
		s.mu.Unlock()
		if err != nil {
			slog.Warn("cron.reload_failed", "error", err)
			return
		}
		slog.Info("cron.jobs_reloaded", "path", s.path)
		if cb != nil {
			cb()
		}
	})
}

// Close stops the watcher.
func (s *Store) Close() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	if s.reload != nil {
		s.reload.Stop()
		s.reload = nil
	}
	s.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// List returns all jobs sorted by creation time then id.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAtMs != out[k].CreatedAtMs {
			return out[i].CreatedAtMs < out[k].CreatedAtMs
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Add validates, assigns an id when absent, computes the first fire time, and
// persists. Returns the stored job.
func (s *Store) Add(j Job) (Job, error) {
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	now := time.Now()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAtMs == 0 {
		j.CreatedAtMs = now.UnixMilli()
	}
	j.UpdatedAtMs = now.UnixMilli()

	next, err := j.Schedule.NextRun(now)
	if err != nil {
		return Job{}, err
	}
	j.State = State{NextRunAtMs: next}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return Job{}, fmt.Errorf("cron job %s already exists", j.ID)
	}
	s.jobs[j.ID] = &j
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, j.ID)
		return Job{}, err
	}
	return j, nil
}

// Update replaces a job's definition, recomputes the fire time, and persists.
// Execution state is carried over except for the schedule clock.
func (s *Store) Update(j Job) (Job, error) {
	if j.ID == "" {
		return Job{}, fmt.Errorf("cron update requires id")
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.jobs[j.ID]
	if !ok {
		return Job{}, fmt.Errorf("cron job %s not found", j.ID)
	}

	now := time.Now()
	next, err := j.Schedule.NextRun(now)
	if err != nil {
		return Job{}, err
	}
	j.CreatedAtMs = old.CreatedAtMs
	j.UpdatedAtMs = now.UnixMilli()
	j.State = old.State
	j.State.NextRunAtMs = next
	j.State.RunningAtMs = 0

	s.jobs[j.ID] = &j
	if err := s.persistLocked(); err != nil {
		s.jobs[j.ID] = old
		return Job{}, err
	}
	return j, nil
}

// Remove deletes a job and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	delete(s.jobs, id)
	if err := s.persistLocked(); err != nil {
		s.jobs[id] = old
		return err
	}
	return nil
}

// Patch applies fn to the stored job and persists. Used by the service for
// execution-state updates.
func (s *Store) Patch(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	fn(j)
	j.UpdatedAtMs = time.Now().UnixMilli()
	return s.persistLocked()
}

// NextWake returns the soonest nextRunAtMs across enabled jobs, or 0 when
// nothing is scheduled.
func (s *Store) NextWake() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min int64
	for _, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMs <= 0 || j.State.RunningAtMs > 0 {
			continue
		}
		if min == 0 || j.State.NextRunAtMs < min {
			min = j.State.NextRunAtMs
		}
	}
	return min
}

// Due returns copies of enabled jobs with nextRunAtMs <= now that are not
// already running.
func (s *Store) Due(now time.Time) []Job {
	nowMs := now.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	for _, j := range s.jobs {
		if j.Enabled && j.State.NextRunAtMs > 0 && j.State.NextRunAtMs <= nowMs && j.State.RunningAtMs == 0 {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].State.NextRunAtMs < due[k].State.NextRunAtMs })
	return due
}

// persistLocked writes jobs.json atomically (temp + rename) and arms the
// self-write suppression for the watcher.
func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAtMs != jobs[k].CreatedAtMs {
			return jobs[i].CreatedAtMs < jobs[k].CreatedAtMs
		}
		return jobs[i].ID < jobs[k].ID
	})

	data, err := json.MarshalIndent(struct {
		Jobs []*Job `json:"jobs"`
	}{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron jobs: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "jobs-*.tmp")
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

	if s.watcher != nil {
		s.selfWrites++
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		if s.watcher != nil {
			s.selfWrites--
		}
		return fmt.Errorf("rename cron jobs: %w", err)
	}
	cleanup = false
	return nil
}
