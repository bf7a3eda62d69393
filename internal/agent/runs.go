package agent

import (
	"container/list"
	"sync"
	"time"
)

// Run states. accepted → queued → running → {final | error | aborted}.
const (
	StateAccepted = "accepted"
	StateQueued   = "queued"
	StateRunning  = "running"
	StateFinal    = "final"
	StateError    = "error"
	StateAborted  = "aborted"
)

var stateRank = map[string]int{
	StateAccepted: 0,
	StateQueued:   1,
	StateRunning:  2,
	StateFinal:    3,
	StateError:    3,
	StateAborted:  3,
}

// IsTerminal reports whether a run state is final.
func IsTerminal(state string) bool {
	return stateRank[state] == 3
}

// RunRecord is the controller's view of one run.
type RunRecord struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
	Seq        int64  `json:"seq"` // last delta seq emitted
	StartedAt  int64  `json:"startedAt,omitempty"`
	EndedAt    int64  `json:"endedAt,omitempty"`
	Error      string `json:"error,omitempty"`
}

// terminalRetention is how long terminal records stay queryable.
const terminalRetention = 10 * time.Minute

// runTracker owns run records and per-run delta sequence counters. States
// only move forward; a terminal record never changes again.
type runTracker struct {
	mu      sync.Mutex
	records map[string]*RunRecord
	ended   map[string]time.Time // runID → terminal time, for pruning
}

func newRunTracker() *runTracker {
	return &runTracker{
		records: make(map[string]*RunRecord),
		ended:   make(map[string]time.Time),
	}
}

// Create registers a new run in the accepted state.
func (t *runTracker) Create(runID, sessionKey string) *RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	r := &RunRecord{
		RunID:      runID,
		SessionKey: sessionKey,
		State:      StateAccepted,
		StartedAt:  time.Now().UnixMilli(),
	}
	t.records[runID] = r
	return r
}

// Get returns a copy of the record, if known.
func (t *runTracker) Get(runID string) (RunRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[runID]
	if !ok {
		return RunRecord{}, false
	}
	return *r, true
}

// Transition moves a run forward. Backward and post-terminal transitions are
// rejected; returns the resulting state and whether the transition applied.
func (t *runTracker) Transition(runID, state string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[runID]
	if !ok {
		return "", false
	}
	if stateRank[state] <= stateRank[r.State] && state != r.State {
		return r.State, false
	}
	if IsTerminal(r.State) {
		return r.State, false
	}
	r.State = state
	if IsTerminal(state) {
		r.EndedAt = time.Now().UnixMilli()
		t.ended[runID] = time.Now()
	}
	return state, true
}

// Fail marks a run error with a message. No-op on terminal runs.
func (t *runTracker) Fail(runID, msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[runID]
	if !ok || IsTerminal(r.State) {
		return false
	}
	r.State = StateError
	r.Error = msg
	r.EndedAt = time.Now().UnixMilli()
	t.ended[runID] = time.Now()
	return true
}

// NextSeq returns the next monotonic delta sequence number for a run.
func (t *runTracker) NextSeq(runID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[runID]
	if !ok {
		return 0
	}
	r.Seq++
	return r.Seq
}

func (t *runTracker) pruneLocked() {
	cutoff := time.Now().Add(-terminalRetention)
	for id, at := range t.ended {
		if at.Before(cutoff) {
			delete(t.ended, id)
			delete(t.records, id)
		}
	}
}

// --- idempotency cache ---

// Idempotency cache defaults: entries live 10 minutes, at most 10k keys.
const (
	idemTTL        = 10 * time.Minute
	idemMaxEntries = 10000
)

// IdemStatus is the cached outcome for an idempotency key.
type IdemStatus struct {
	RunID  string
	Status string // run state at last update
}

type idemEntry struct {
	key    string
	status IdemStatus
	at     time.Time
}

// idemCache is a TTL'd LRU keyed by "chat:<idempotencyKey>". A duplicate
// submission while the original run is live resolves to the original runId.
type idemCache struct {
	mu    sync.Mutex
	order *list.List // front = most recent
	byKey map[string]*list.Element
	now   func() time.Time
}

func newIdemCache() *idemCache {
	return &idemCache{
		order: list.New(),
		byKey: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Lookup returns the cached status for key, refreshing its LRU position.
func (c *idemCache) Lookup(key string) (IdemStatus, bool) {
	if key == "" {
		return IdemStatus{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byKey[key]
	if !ok {
		return IdemStatus{}, false
	}
	ent := el.Value.(*idemEntry)
	if c.now().Sub(ent.at) > idemTTL {
		c.order.Remove(el)
		delete(c.byKey, key)
		return IdemStatus{}, false
	}
	c.order.MoveToFront(el)
	return ent.status, true
}

// Store records or refreshes the status for key, evicting the oldest entry
// past capacity.
func (c *idemCache) Store(key string, status IdemStatus) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byKey[key]; ok {
		ent := el.Value.(*idemEntry)
		ent.status = status
		ent.at = c.now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&idemEntry{key: key, status: status, at: c.now()})
	c.byKey[key] = el

	for c.order.Len() > idemMaxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.byKey, oldest.Value.(*idemEntry).key)
	}
}
