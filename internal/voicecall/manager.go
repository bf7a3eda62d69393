// Package voicecall tracks phone-call sessions driven over RPC. The manager
// owns call state and transcript lines; actual media (dialing, TTS playback,
// hangup) goes through a MediaProvider so telephony backends stay external.
package voicecall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// Call states.
const (
	StateDialing  = "dialing"
	StateActive   = "active"
	StateSpeaking = "speaking"
	StateEnded    = "ended"
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrCallEnded    = errors.New("call already ended")
)

// MediaProvider is the telephony backend. Dial places the call, Speak plays
// synthesized speech into it, Hangup tears it down.
type MediaProvider interface {
	Dial(ctx context.Context, callID, to string) error
	Speak(ctx context.Context, callID, text string) error
	Hangup(ctx context.Context, callID string) error
}

// Utterance is one line of the call transcript.
type Utterance struct {
	Role string `json:"role"` // caller|assistant
	Text string `json:"text"`
	AtMs int64  `json:"atMs"`
}

// Call is a snapshot of one call's state.
type Call struct {
	ID         string      `json:"id"`
	SessionKey string      `json:"sessionKey"`
	To         string      `json:"to"`
	State      string      `json:"state"`
	StartedAt  int64       `json:"startedAt"`
	EndedAt    int64       `json:"endedAt,omitempty"`
	Utterances []Utterance `json:"utterances,omitempty"`
}

type call struct {
	Call
}

// Manager owns the in-memory call map and broadcasts voicecall.state on every
// transition.
type Manager struct {
	provider MediaProvider
	events   bus.EventPublisher

	mu    sync.Mutex
	calls map[string]*call
}

// NewManager wires the manager. events may be nil (no broadcasts).
func NewManager(provider MediaProvider, events bus.EventPublisher) *Manager {
	if provider == nil {
		provider = &StubProvider{}
	}
	return &Manager{
		provider: provider,
		events:   events,
		calls:    make(map[string]*call),
	}
}

// Initiate dials a number on behalf of a session. The call starts in dialing
// and moves to active once the provider accepts.
func (m *Manager) Initiate(ctx context.Context, sessionKey, to string) (Call, error) {
	if to == "" {
		return Call{}, fmt.Errorf("voicecall: destination is empty")
	}

	c := &call{Call: Call{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		To:         to,
		State:      StateDialing,
		StartedAt:  time.Now().UnixMilli(),
	}}
	m.mu.Lock()
	m.calls[c.ID] = c
	m.mu.Unlock()
	m.broadcast(c.Call)

	if err := m.provider.Dial(ctx, c.ID, to); err != nil {
		m.setState(c.ID, StateEnded)
		return Call{}, fmt.Errorf("voicecall dial: %w", err)
	}
	slog.Info("voicecall.initiated", "call_id", c.ID, "to", to, "session", sessionKey)
	return m.setState(c.ID, StateActive), nil
}

// Continue records what the caller said. The utterance is what chat turns on
// the owning session are built from.
func (m *Manager) Continue(callID, utterance string) (Call, error) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}, ErrCallNotFound
	}
	if c.State == StateEnded {
		m.mu.Unlock()
		return Call{}, ErrCallEnded
	}
	c.Utterances = append(c.Utterances, Utterance{Role: "caller", Text: utterance, AtMs: time.Now().UnixMilli()})
	c.State = StateActive
	snap := c.Call
	m.mu.Unlock()

	m.broadcast(snap)
	return snap, nil
}

// Speak plays assistant speech into the call. State is speaking for the
// duration of the provider call, then back to active.
func (m *Manager) Speak(ctx context.Context, callID, text string) (Call, error) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}, ErrCallNotFound
	}
	if c.State == StateEnded {
		m.mu.Unlock()
		return Call{}, ErrCallEnded
	}
	m.mu.Unlock()

	m.setState(callID, StateSpeaking)
	if err := m.provider.Speak(ctx, callID, text); err != nil {
		m.setState(callID, StateActive)
		return Call{}, fmt.Errorf("voicecall speak: %w", err)
	}

	m.mu.Lock()
	c.Utterances = append(c.Utterances, Utterance{Role: "assistant", Text: text, AtMs: time.Now().UnixMilli()})
	c.State = StateActive
	snap := c.Call
	m.mu.Unlock()

	m.broadcast(snap)
	return snap, nil
}

// End hangs up. Ending an already-ended call is a no-op.
func (m *Manager) End(ctx context.Context, callID string) (Call, error) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}, ErrCallNotFound
	}
	if c.State == StateEnded {
		snap := c.Call
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	if err := m.provider.Hangup(ctx, callID); err != nil {
		slog.Warn("voicecall.hangup_failed", "call_id", callID, "error", err)
	}

	m.mu.Lock()
	c.State = StateEnded
	c.EndedAt = time.Now().UnixMilli()
	snap := c.Call
	m.mu.Unlock()

	m.broadcast(snap)
	slog.Info("voicecall.ended", "call_id", callID)
	return snap, nil
}

// Status returns the call snapshot.
func (m *Manager) Status(callID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return c.Call, nil
}

// List returns all known calls, newest first. Ended calls stay listed for the
// life of the process.
func (m *Manager) List() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Call)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt > out[k].StartedAt })
	return out
}

func (m *Manager) setState(callID, state string) Call {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}
	}
	c.State = state
	snap := c.Call
	m.mu.Unlock()

	m.broadcast(snap)
	return snap
}

func (m *Manager) broadcast(snap Call) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(bus.Event{Name: protocol.EventVoicecallState, Payload: snap})
}

// StubProvider is the built-in no-media backend: it logs and records the
// actions it was asked to perform.
type StubProvider struct {
	mu      sync.Mutex
	actions []string
}

func (p *StubProvider) Dial(_ context.Context, callID, to string) error {
	slog.Info("voicecall.stub_dial", "call_id", callID, "to", to)
	p.record("dial " + to)
	return nil
}

func (p *StubProvider) Speak(_ context.Context, callID, text string) error {
	slog.Info("voicecall.stub_speak", "call_id", callID, "chars", len(text))
	p.record("speak")
	return nil
}

func (p *StubProvider) Hangup(_ context.Context, callID string) error {
	slog.Info("voicecall.stub_hangup", "call_id", callID)
	p.record("hangup")
	return nil
}

func (p *StubProvider) record(action string) {
	p.mu.Lock()
	p.actions = append(p.actions, action)
	p.mu.Unlock()
}

// Actions returns the recorded provider calls, oldest first.
func (p *StubProvider) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}
