package cron

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "cron", "jobs.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func sysEventJob(name string) Job {
	return Job{
		Name:     name,
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "tick"},
	}
}

// TestStoreAddPersists verifies every mutation lands on disk and survives a
// reload through a fresh store.
func TestStoreAddPersists(t *testing.T) {
	s := testStore(t)

	job, err := s.Add(sysEventJob("backup"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.ID == "" || job.State.NextRunAtMs == 0 {
		t.Fatalf("stored job = %+v", job)
	}

	fresh := NewStore(s.path)
	if err := fresh.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := fresh.Get(job.ID)
	if !ok || got.Name != "backup" || got.State.NextRunAtMs != job.State.NextRunAtMs {
		t.Fatalf("reloaded job = %+v, %v", got, ok)
	}
}

// TestStoreUpdateReschedules keeps execution history but recomputes the clock.
func TestStoreUpdateReschedules(t *testing.T) {
	s := testStore(t)
	job, err := s.Add(sysEventJob("report"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Patch(job.ID, func(j *Job) { j.State.LastStatus = StatusOK }); err != nil {
		t.Fatal(err)
	}

	job.Schedule.EveryMs = 120_000
	updated, err := s.Update(job)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.State.LastStatus != StatusOK {
		t.Fatalf("update dropped history: %+v", updated.State)
	}
	if updated.Schedule.EveryMs != 120_000 {
		t.Fatalf("schedule not replaced: %+v", updated.Schedule)
	}

	if _, err := s.Update(Job{ID: "nope", Schedule: Schedule{Kind: ScheduleAt, AtMs: 1}, Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}}); err == nil {
		t.Fatal("updating an unknown job must fail")
	}
}

// TestStoreRemove deletes and persists.
func TestStoreRemove(t *testing.T) {
	s := testStore(t)
	job, _ := s.Add(sysEventJob("tmp"))

	if err := s.Remove(job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Fatal("job still present after Remove")
	}
	if err := s.Remove(job.ID); err == nil {
		t.Fatal("removing twice must fail")
	}

	fresh := NewStore(s.path)
	if err := fresh.Load(); err != nil {
		t.Fatal(err)
	}
	if len(fresh.List()) != 0 {
		t.Fatalf("jobs after reload = %+v", fresh.List())
	}
}

// TestStoreDue returns only enabled, non-running jobs past their fire time.
func TestStoreDue(t *testing.T) {
	s := testStore(t)
	job, _ := s.Add(sysEventJob("due"))
	s.Patch(job.ID, func(j *Job) { j.State.NextRunAtMs = 1 })

	later, _ := s.Add(sysEventJob("later"))
	_ = later

	due := s.Due(time.Now())
	if len(due) != 1 || due[0].ID != job.ID {
		t.Fatalf("due = %+v", due)
	}

	// A running job is not due again.
	s.Patch(job.ID, func(j *Job) { j.State.RunningAtMs = time.Now().UnixMilli() })
	if due := s.Due(time.Now()); len(due) != 0 {
		t.Fatalf("running job reported due: %+v", due)
	}
}

// TestLoadConsumesInterruptedAtJob: an `at` job persisted with runningAtMs
// set was mid-run when the process died; it must not fire again.
func TestLoadConsumesInterruptedAtJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	doc := struct {
		Jobs []*Job `json:"jobs"`
	}{Jobs: []*Job{{
		ID:       "j1",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: 1},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "once"},
		State:    State{NextRunAtMs: 1, RunningAtMs: 123},
	}}}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	job, ok := s.Get("j1")
	if !ok {
		t.Fatal("job missing")
	}
	if job.Enabled || job.State.RunningAtMs != 0 {
		t.Fatalf("interrupted at job not consumed: %+v", job)
	}
}

// TestWatchReloadsExternalEdit: an edit made behind the store's back shows up
// after the debounce.
func TestWatchReloadsExternalEdit(t *testing.T) {
	s := testStore(t)
	job, _ := s.Add(sysEventJob("watched"))

	changed := make(chan struct{}, 1)
	if err := s.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer s.Close()

	// External edit: rewrite the file with the job renamed.
	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Jobs []*Job `json:"jobs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	doc.Jobs[0].Name = "renamed"
	out, _ := json.Marshal(doc)
	if err := os.WriteFile(s.path, out, 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}
	got, _ := s.Get(job.ID)
	if got.Name != "renamed" {
		t.Fatalf("job after reload = %+v", got)
	}
}
