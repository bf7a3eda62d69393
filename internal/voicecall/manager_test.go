package voicecall

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/pkg/protocol"
)

type captureEvents struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *captureEvents) Subscribe(string, bus.EventHandler) {}
func (c *captureEvents) Unsubscribe(string)                 {}
func (c *captureEvents) Broadcast(ev bus.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureEvents) states() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		if ev.Name != protocol.EventVoicecallState {
			continue
		}
		out = append(out, ev.Payload.(Call).State)
	}
	return out
}

func TestCallLifecycle(t *testing.T) {
	provider := &StubProvider{}
	events := &captureEvents{}
	m := NewManager(provider, events)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "agent:main:main", "+15550100")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if c.State != StateActive || c.To != "+15550100" || c.StartedAt == 0 {
		t.Fatalf("call = %+v", c)
	}

	if c, err = m.Continue(c.ID, "hello?"); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if c, err = m.Speak(ctx, c.ID, "Hi, this is your assistant."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(c.Utterances) != 2 || c.Utterances[0].Role != "caller" || c.Utterances[1].Role != "assistant" {
		t.Fatalf("utterances = %+v", c.Utterances)
	}

	if c, err = m.End(ctx, c.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if c.State != StateEnded || c.EndedAt == 0 {
		t.Fatalf("ended call = %+v", c)
	}

	got := provider.Actions()
	want := []string{"dial +15550100", "speak", "hangup"}
	if len(got) != len(want) {
		t.Fatalf("provider actions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("provider actions = %v, want %v", got, want)
		}
	}

	// Every transition was broadcast: dialing, active, (continue) active,
	// speaking, active, ended.
	states := events.states()
	if len(states) == 0 || states[0] != StateDialing || states[len(states)-1] != StateEnded {
		t.Fatalf("broadcast states = %v", states)
	}
}

func TestEndedCallRejectsMedia(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "agent:main:main", "+15550100")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.End(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Continue(c.ID, "anyone there?"); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("Continue after end = %v", err)
	}
	if _, err := m.Speak(ctx, c.ID, "hello"); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("Speak after end = %v", err)
	}
	// Ending twice is a no-op.
	if got, err := m.End(ctx, c.ID); err != nil || got.State != StateEnded {
		t.Fatalf("double End = %+v, %v", got, err)
	}
}

func TestUnknownCall(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.Status("nope"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("Status = %v", err)
	}
	if _, err := m.Continue("nope", "x"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("Continue = %v", err)
	}
	if _, err := m.End(context.Background(), "nope"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("End = %v", err)
	}
}

type failingDial struct{ StubProvider }

func (f *failingDial) Dial(context.Context, string, string) error {
	return errors.New("carrier rejected")
}

func TestFailedDialEndsCall(t *testing.T) {
	m := NewManager(&failingDial{}, nil)
	if _, err := m.Initiate(context.Background(), "agent:main:main", "+15550100"); err == nil {
		t.Fatal("Initiate must surface the dial error")
	}
	// The only call on record is the failed one, already ended.
	calls := m.List()
	if len(calls) != 1 || calls[0].State != StateEnded {
		t.Fatalf("calls = %+v", calls)
	}
}
