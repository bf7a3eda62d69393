// Package approval gates command execution. Policy decides allow/deny/ask;
// ask creates an ApprovalRequest, broadcasts it to RPC subscribers, and
// blocks the requesting tool call until a decision or expiry. allow-always
// decisions grow the persisted allowlist.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// Request statuses.
const (
	StatusPending     = "pending"
	StatusAllowOnce   = "allowOnce"
	StatusAllowAlways = "allowAlways"
	StatusDenied      = "denied"
	StatusExpired     = "expired"
)

// Decisions accepted by Decide.
const (
	DecideAllowOnce   = "allow-once"
	DecideAllowAlways = "allow-always"
	DecideDeny        = "deny"
)

// DefaultRequestTimeout bounds how long a pending request waits.
const DefaultRequestTimeout = 2 * time.Minute

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrDenied         = errors.New("command denied")
	ErrExpired        = errors.New("approval request expired")
)

// Request is one pending or decided execution approval.
type Request struct {
	ID         string            `json:"id"`
	RunID      string            `json:"runId,omitempty"`
	SessionKey string            `json:"sessionKey,omitempty"`
	AgentID    string            `json:"agentId"`
	Host       string            `json:"host"` // sandbox|gateway|node
	NodeRef    string            `json:"nodeRef,omitempty"`
	Command    string            `json:"command"`
	CWD        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Rationale  string            `json:"rationale,omitempty"`

	RequestedAt int64  `json:"requestedAt"`
	ExpiresAt   int64  `json:"expiresAt"`
	Status      string `json:"status"`
}

type waiter struct {
	req *Request
	ch  chan string // receives the terminal status exactly once
}

// persisted is the exec-approvals.json document.
type persisted struct {
	Allowlist map[string][]string `json:"allowlist"` // agentId → glob patterns
}

// Engine is the approval decision point. One per gateway.
type Engine struct {
	cfg    *config.Config
	events bus.EventPublisher
	path   string // exec-approvals.json

	mu       sync.Mutex
	pending  map[string]*waiter
	decided  map[string]*Request // terminal requests kept for exec.approval.get
	learned  map[string][]string // agentId → allow-always patterns
	now      func() time.Time
}

// NewEngine loads persisted allow-always patterns from path.
func NewEngine(cfg *config.Config, events bus.EventPublisher, path string) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		events:  events,
		path:    path,
		pending: make(map[string]*waiter),
		decided: make(map[string]*Request),
		learned: make(map[string][]string),
		now:     time.Now,
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// CheckCommand applies the effective policy to a command without blocking.
func (e *Engine) CheckCommand(agentID, command string, session Policy) string {
	cfgPolicy := Policy{
		Security: e.cfg.Tools.ExecApproval.Security,
		Ask:      e.cfg.Tools.ExecApproval.Ask,
	}
	p := Merge(cfgPolicy, session)

	if p.Security == SecurityDeny {
		return VerdictDeny
	}

	resolved := resolveCommandPath(command)
	hit := false
	switch p.Security {
	case SecurityFull:
		hit = true
	default:
		if isSafeBin(e.cfg.Tools.ExecApproval.SafeBins, resolved) {
			hit = true
		} else {
			e.mu.Lock()
			patterns := append([]string{}, e.cfg.Tools.ExecApproval.Allowlist...)
			patterns = append(patterns, e.learned[agentID]...)
			e.mu.Unlock()
			hit = matchAllowlist(patterns, resolved)
		}
	}

	switch {
	case p.Ask == AskAlways:
		return VerdictAsk
	case hit:
		return VerdictAllow
	case p.Ask == AskOnMiss:
		return VerdictAsk
	default: // ask=off, miss
		return VerdictDeny
	}
}

// RequestApproval blocks until the request is decided, expires, or ctx is
// cancelled. Returns nil when execution may proceed.
func (e *Engine) RequestApproval(ctx context.Context, req Request) error {
	timeout := DefaultRequestTimeout
	if ms := e.cfg.Tools.ExecApproval.TimeoutMs; ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	now := e.now()
	req.ID = uuid.NewString()
	req.RequestedAt = now.UnixMilli()
	req.ExpiresAt = now.Add(timeout).UnixMilli()
	req.Status = StatusPending

	w := &waiter{req: &req, ch: make(chan string, 1)}
	e.mu.Lock()
	e.pending[req.ID] = w
	e.mu.Unlock()

	e.broadcast(protocol.EventExecApprovalReq, &req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var status string
	select {
	case status = <-w.ch:
	case <-timer.C:
		status, _ = e.finish(req.ID, StatusExpired)
	case <-ctx.Done():
		status, _ = e.finish(req.ID, StatusExpired)
	}

	switch status {
	case StatusAllowOnce, StatusAllowAlways:
		return nil
	case StatusDenied:
		return ErrDenied
	default:
		return ErrExpired
	}
}

// Decide resolves a pending request. decidedBy is recorded in the broadcast
// payload only.
func (e *Engine) Decide(id, decision, decidedBy string) error {
	var status string
	switch decision {
	case DecideAllowOnce:
		status = StatusAllowOnce
	case DecideAllowAlways:
		status = StatusAllowAlways
	case DecideDeny:
		status = StatusDenied
	default:
		return fmt.Errorf("unknown decision %q", decision)
	}

	e.mu.Lock()
	w, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		if _, decided := e.Get(id); decided {
			return ErrAlreadyDecided
		}
		return ErrNotFound
	}

	// Only the caller that performs the transition broadcasts; identical
	// concurrent decisions must not emit a second decided event.
	if _, won := e.finish(id, status); !won {
		return ErrAlreadyDecided
	}
	if status == StatusAllowAlways {
		e.learn(w.req.AgentID, w.req.Command)
	}
	e.broadcastDecided(w.req, decidedBy)
	return nil
}

// finish transitions a pending request to a terminal status exactly once.
// The second return reports whether this caller performed the transition;
// losers see the actual terminal status.
func (e *Engine) finish(id, status string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.pending[id]
	if !ok {
		if r, decided := e.decided[id]; decided {
			return r.Status, false
		}
		return status, false
	}
	delete(e.pending, id)
	w.req.Status = status
	e.decided[id] = w.req
	w.ch <- status

	if status == StatusExpired {
		// Expiry has no Decide caller to broadcast; do it here.
		go e.broadcastDecided(w.req, "")
	}
	return status, true
}

// Get returns a request by id, pending or decided.
func (e *Engine) Get(id string) (*Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.pending[id]; ok {
		cp := *w.req
		return &cp, true
	}
	if r, ok := e.decided[id]; ok {
		cp := *r
		return &cp, true
	}
	return nil, false
}

// ListPending returns pending requests, oldest first.
func (e *Engine) ListPending() []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Request, 0, len(e.pending))
	for _, w := range e.pending {
		cp := *w.req
		out = append(out, &cp)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].RequestedAt < out[i].RequestedAt {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// learn appends the command's resolved path to the agent's persisted
// allowlist.
func (e *Engine) learn(agentID, command string) {
	resolved := resolveCommandPath(command)
	if resolved == "" {
		return
	}
	e.mu.Lock()
	for _, p := range e.learned[agentID] {
		if p == resolved {
			e.mu.Unlock()
			return
		}
	}
	e.learned[agentID] = append(e.learned[agentID], resolved)
	e.mu.Unlock()
	e.persist()
}

func (e *Engine) broadcast(name string, req *Request) {
	if e.events == nil {
		return
	}
	e.events.Broadcast(bus.Event{Name: name, Payload: req})
}

func (e *Engine) broadcastDecided(req *Request, decidedBy string) {
	if e.events == nil {
		return
	}
	e.events.Broadcast(bus.Event{Name: protocol.EventExecApprovalRes, Payload: map[string]interface{}{
		"id":        req.ID,
		"status":    req.Status,
		"command":   req.Command,
		"agentId":   req.AgentID,
		"decidedBy": decidedBy,
	}})
}

// --- persistence ---

func (e *Engine) load() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read approvals: %w", err)
	}
	var doc persisted
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse approvals: %w", err)
	}
	if doc.Allowlist != nil {
		e.learned = doc.Allowlist
	}
	return nil
}

func (e *Engine) persist() {
	e.mu.Lock()
	doc := persisted{Allowlist: make(map[string][]string, len(e.learned))}
	for k, v := range e.learned {
		doc.Allowlist[k] = append([]string{}, v...)
	}
	e.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, "approvals-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	tmp.Close()
	if err := os.Rename(tmpPath, e.path); err != nil {
		os.Remove(tmpPath)
	}
}
