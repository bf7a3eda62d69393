// Package scheduler serializes agent runs. Every session key owns a lane
// with concurrency 1; subagent and heartbeat runs share global lanes. Lanes
// spawn workers lazily and workers exit when their lane drains.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// Global lanes. Session lanes are named "session:<key>".
const (
	LaneSubagent  = "subagent"
	LaneHeartbeat = "heartbeat"
)

// Defaults.
const (
	DefaultLaneDepth           = 64
	DefaultSubagentConcurrency = 8
)

// ErrQueueFull is returned when a lane is at depth; callers map it to a
// 503-class RPC error and may retry with jitter.
var ErrQueueFull = errors.New("queue full")

// Enqueue acks.
const (
	AckQueued   = "queued"
	AckInFlight = "in_flight"
)

// Abort reasons.
const (
	AbortReasonTimeout   = "timeout"
	AbortReasonRequested = "requested"
)

// Entry is one queued run.
type Entry struct {
	RunID      string
	SessionKey string
	Lane       string
	EnqueuedAt time.Time
	ExpiresAt  time.Time // zero = no deadline
}

// Dispatcher executes a dequeued run and returns when it finishes. The
// context is cancelled on abort or timeout.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Entry)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, e Entry)

func (f DispatchFunc) Dispatch(ctx context.Context, e Entry) { f(ctx, e) }

// LaneFor maps a session key to its lane.
func LaneFor(sessionKey string) string {
	if sessions.IsSubagent(sessionKey) {
		return LaneSubagent
	}
	return "session:" + sessionKey
}

type lane struct {
	name        string
	concurrency int
	queue       []*entryState
	active      int
}

type entryState struct {
	entry  Entry
	cancel context.CancelFunc
	reason string
	done   bool
}

// Scheduler owns the lane map and the run expiry heap.
type Scheduler struct {
	dispatcher Dispatcher
	events     bus.EventPublisher
	depth      int

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	lanes    map[string]*lane
	inflight map[string]*entryState // runID → state, queued or running
	expiry   expiryHeap
	wake     chan struct{}
	wg       sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLaneDepth overrides the per-lane queue depth.
func WithLaneDepth(depth int) Option {
	return func(s *Scheduler) { s.depth = depth }
}

// New creates a scheduler. events may be nil to disable observability
// broadcasts.
func New(dispatcher Dispatcher, events bus.EventPublisher, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		dispatcher: dispatcher,
		events:     events,
		depth:      DefaultLaneDepth,
		baseCtx:    ctx,
		stop:       cancel,
		lanes:      make(map[string]*lane),
		inflight:   make(map[string]*entryState),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.expiryLoop()
	return s
}

// Close stops workers and the expiry loop. In-flight dispatches are
// cancelled through their contexts.
func (s *Scheduler) Close() {
	s.stop()
	s.wg.Wait()
}

// Enqueue adds a run to its lane. Idempotent by runID: re-enqueueing a
// queued or running run returns AckInFlight without creating a duplicate.
func (s *Scheduler) Enqueue(e Entry) (string, error) {
	if e.Lane == "" {
		e.Lane = LaneFor(e.SessionKey)
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inflight[e.RunID]; ok {
		return AckInFlight, nil
	}

	l := s.laneLocked(e.Lane)
	if len(l.queue) >= s.depth {
		if s.events != nil {
			s.events.Broadcast(bus.Event{Name: protocol.EventQueueFull, Payload: map[string]interface{}{
				"lane":  e.Lane,
				"depth": len(l.queue),
			}})
		}
		return "", ErrQueueFull
	}

	st := &entryState{entry: e}
	s.inflight[e.RunID] = st
	l.queue = append(l.queue, st)

	if !e.ExpiresAt.IsZero() {
		heap.Push(&s.expiry, expiryItem{at: e.ExpiresAt, runID: e.RunID})
		s.wakeExpiry()
	}

	if l.active < l.concurrency {
		l.active++
		s.wg.Add(1)
		go s.worker(l)
	}
	return AckQueued, nil
}

// Abort cancels a run by id. A queued run is discarded; a running run has
// its context cancelled. Returns false when the run is unknown (already
// terminal or never enqueued).
func (s *Scheduler) Abort(runID, reason string) bool {
	s.mu.Lock()
	st, ok := s.inflight[runID]
	if ok {
		st.done = true
		st.reason = reason
		if st.cancel != nil {
			st.cancel()
		}
	}
	s.mu.Unlock()
	return ok
}

// AbortReason reports the reason recorded by Abort for a run, if any.
func (s *Scheduler) AbortReason(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.inflight[runID]; ok {
		return st.reason
	}
	return ""
}

// Depth reports the queued (not yet dispatched) entries in a lane.
func (s *Scheduler) Depth(laneName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[laneName]; ok {
		return len(l.queue)
	}
	return 0
}

func (s *Scheduler) laneLocked(name string) *lane {
	l, ok := s.lanes[name]
	if !ok {
		concurrency := 1
		if name == LaneSubagent {
			concurrency = DefaultSubagentConcurrency
		}
		l = &lane{name: name, concurrency: concurrency}
		s.lanes[name] = l
	}
	return l
}

// worker drains one lane then exits. FIFO order within the lane is
// preserved because entries are popped under the lock in append order.
func (s *Scheduler) worker(l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 || s.baseCtx.Err() != nil {
			l.active--
			s.mu.Unlock()
			return
		}
		st := l.queue[0]
		l.queue = l.queue[1:]

		if st.done {
			// Aborted while queued.
			delete(s.inflight, st.entry.RunID)
			s.mu.Unlock()
			continue
		}

		ctx, cancel := context.WithCancel(s.baseCtx)
		st.cancel = cancel
		s.mu.Unlock()

		waitMs := time.Since(st.entry.EnqueuedAt).Milliseconds()
		if s.events != nil {
			s.events.Broadcast(bus.Event{Name: protocol.EventQueueDequeue, Payload: map[string]interface{}{
				"lane":    l.name,
				"runId":   st.entry.RunID,
				"wait_ms": waitMs,
			}})
		}
		slog.Debug("scheduler.dequeue", "lane", l.name, "run_id", st.entry.RunID, "wait_ms", waitMs)

		s.dispatcher.Dispatch(ctx, st.entry)
		cancel()

		s.mu.Lock()
		st.done = true
		delete(s.inflight, st.entry.RunID)
		s.mu.Unlock()
	}
}

// --- run expiry ---

type expiryItem struct {
	at    time.Time
	runID string
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (s *Scheduler) wakeExpiry() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// expiryLoop aborts runs whose deadline passed. Sleeps until the earliest
// deadline; woken when a nearer one is pushed.
func (s *Scheduler) expiryLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next time.Time
		for s.expiry.Len() > 0 {
			head := s.expiry[0]
			st, ok := s.inflight[head.runID]
			if !ok || st.done {
				heap.Pop(&s.expiry)
				continue
			}
			if !head.at.After(time.Now()) {
				heap.Pop(&s.expiry)
				st.done = true
				st.reason = AbortReasonTimeout
				if st.cancel != nil {
					st.cancel()
				}
				slog.Warn("scheduler.run_expired", "run_id", head.runID, "lane", st.entry.Lane)
				continue
			}
			next = head.at
			break
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next.IsZero() {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(time.Until(next))
		}

		select {
		case <-s.baseCtx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
