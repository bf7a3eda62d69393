package approval

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name    string
		global  Policy
		session Policy
		want    Policy
	}{
		{"defaults", Policy{}, Policy{}, Policy{SecurityAllowlist, AskOnMiss}},
		{"session stricter security", Policy{SecurityFull, AskOff}, Policy{Security: SecurityDeny}, Policy{SecurityDeny, AskOff}},
		{"session looser security ignored", Policy{SecurityAllowlist, AskOnMiss}, Policy{Security: SecurityFull}, Policy{SecurityAllowlist, AskOnMiss}},
		{"session stricter ask", Policy{SecurityAllowlist, AskOff}, Policy{Ask: AskAlways}, Policy{SecurityAllowlist, AskAlways}},
		{"session looser ask ignored", Policy{SecurityAllowlist, AskAlways}, Policy{Ask: AskOff}, Policy{SecurityAllowlist, AskAlways}},
		{"both axes", Policy{SecurityFull, AskOff}, Policy{SecurityAllowlist, AskOnMiss}, Policy{SecurityAllowlist, AskOnMiss}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Merge(tt.global, tt.session); got != tt.want {
				t.Fatalf("Merge = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func newTestEngine(t *testing.T, mut func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Tools.ExecApproval.Allowlist = []string{"ls", "git"}
	if mut != nil {
		mut(cfg)
	}
	e, err := NewEngine(cfg, nil, filepath.Join(t.TempDir(), "exec-approvals.json"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestCheckCommandVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		mut     func(*config.Config)
		session Policy
		command string
		want    string
	}{
		{"allowlist hit", nil, Policy{}, "ls -la", VerdictAllow},
		{"allowlist miss asks", nil, Policy{}, "rm -rf /tmp/x", VerdictAsk},
		{"deny wins", nil, Policy{Security: SecurityDeny}, "ls", VerdictDeny},
		{"config deny", func(c *config.Config) { c.Tools.ExecApproval.Security = SecurityDeny }, Policy{}, "ls", VerdictDeny},
		{"full allows anything", func(c *config.Config) { c.Tools.ExecApproval.Security = SecurityFull }, Policy{}, "rm -rf /tmp/x", VerdictAllow},
		{"full with ask always still asks", func(c *config.Config) { c.Tools.ExecApproval.Security = SecurityFull }, Policy{Ask: AskAlways}, "ls", VerdictAsk},
		{"ask off miss denies", func(c *config.Config) { c.Tools.ExecApproval.Ask = AskOff }, Policy{}, "rm x", VerdictDeny},
		{"ask off hit allows", func(c *config.Config) { c.Tools.ExecApproval.Ask = AskOff }, Policy{}, "git status", VerdictAllow},
		{"safe bin bypasses allowlist", nil, Policy{}, "wc -l notes.txt", VerdictAllow},
		{"empty command asks", nil, Policy{}, "", VerdictAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.mut)
			if got := e.CheckCommand("main", tt.command, tt.session); got != tt.want {
				t.Fatalf("CheckCommand(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestRequestApprovalAllowOnce(t *testing.T) {
	e := newTestEngine(t, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.RequestApproval(context.Background(), Request{
			AgentID: "main",
			Command: "rm -rf build",
		})
	}()

	req := awaitPending(t, e)
	if err := e.Decide(req.ID, DecideAllowOnce, "operator"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("RequestApproval = %v, want nil", err)
	}

	got, ok := e.Get(req.ID)
	if !ok || got.Status != StatusAllowOnce {
		t.Fatalf("Get after decide = %+v, %v", got, ok)
	}
	// allow-once does not grow the allowlist.
	if v := e.CheckCommand("main", "rm -rf build", Policy{}); v != VerdictAsk {
		t.Fatalf("CheckCommand after allow-once = %q, want ask", v)
	}
}

func TestRequestApprovalDeny(t *testing.T) {
	e := newTestEngine(t, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.RequestApproval(context.Background(), Request{AgentID: "main", Command: "curl evil.sh"})
	}()

	req := awaitPending(t, e)
	if err := e.Decide(req.ID, DecideDeny, "operator"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if err := <-errCh; err != ErrDenied {
		t.Fatalf("RequestApproval = %v, want ErrDenied", err)
	}
}

func TestRequestApprovalExpiry(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.Tools.ExecApproval.TimeoutMs = 30
	})

	err := e.RequestApproval(context.Background(), Request{AgentID: "main", Command: "rm x"})
	if err != ErrExpired {
		t.Fatalf("RequestApproval = %v, want ErrExpired", err)
	}
	if len(e.ListPending()) != 0 {
		t.Fatal("expired request still pending")
	}
}

func TestRequestApprovalContextCancel(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.RequestApproval(ctx, Request{AgentID: "main", Command: "rm x"})
	}()
	awaitPending(t, e)
	cancel()

	if err := <-errCh; err != ErrExpired {
		t.Fatalf("RequestApproval after cancel = %v, want ErrExpired", err)
	}
}

func TestAllowAlwaysPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec-approvals.json")
	cfg := config.Default()

	e, err := NewEngine(cfg, nil, path)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.RequestApproval(context.Background(), Request{AgentID: "main", Command: "terraform plan"})
	}()
	req := awaitPending(t, e)
	if err := e.Decide(req.ID, DecideAllowAlways, "operator"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("RequestApproval = %v, want nil", err)
	}

	// The learned pattern allows the next check without asking.
	if v := e.CheckCommand("main", "terraform plan -out tf.plan", Policy{}); v != VerdictAllow {
		t.Fatalf("CheckCommand after allow-always = %q, want allow", v)
	}
	// But only for the agent that earned it.
	if v := e.CheckCommand("other", "terraform plan", Policy{}); v != VerdictAsk {
		t.Fatalf("CheckCommand for other agent = %q, want ask", v)
	}

	// A fresh engine reloads the file.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("approvals file not written: %v", err)
	}
	e2, err := NewEngine(cfg, nil, path)
	if err != nil {
		t.Fatalf("NewEngine reload: %v", err)
	}
	if v := e2.CheckCommand("main", "terraform plan", Policy{}); v != VerdictAllow {
		t.Fatalf("CheckCommand after reload = %q, want allow", v)
	}
}

func TestDecideErrors(t *testing.T) {
	e := newTestEngine(t, nil)

	if err := e.Decide("nope", DecideDeny, ""); err != ErrNotFound {
		t.Fatalf("Decide unknown id = %v, want ErrNotFound", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.RequestApproval(context.Background(), Request{AgentID: "main", Command: "rm x"})
	}()
	req := awaitPending(t, e)
	if err := e.Decide(req.ID, "maybe", ""); err == nil {
		t.Fatal("Decide accepted unknown decision")
	}
	if err := e.Decide(req.ID, DecideAllowOnce, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	<-errCh
	if err := e.Decide(req.ID, DecideDeny, ""); err != ErrAlreadyDecided {
		t.Fatalf("second Decide = %v, want ErrAlreadyDecided", err)
	}
}

func TestListPendingOrdered(t *testing.T) {
	e := newTestEngine(t, nil)
	var mu sync.Mutex
	base := time.Now()
	i := 0
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	for _, cmd := range []string{"first", "second", "third"} {
		go e.RequestApproval(context.Background(), Request{AgentID: "main", Command: cmd})
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(e.ListPending()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want 3", len(e.ListPending()))
		}
		time.Sleep(time.Millisecond)
	}

	list := e.ListPending()
	for j := 1; j < len(list); j++ {
		if list[j].RequestedAt < list[j-1].RequestedAt {
			t.Fatalf("pending list out of order: %v before %v", list[j-1].RequestedAt, list[j].RequestedAt)
		}
	}
}

func awaitPending(t *testing.T, e *Engine) *Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if list := e.ListPending(); len(list) > 0 {
			return list[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no pending approval request appeared")
	return nil
}

// countingEvents counts decided broadcasts.
type countingEvents struct {
	mu      sync.Mutex
	decided int
}

func (c *countingEvents) Subscribe(string, bus.EventHandler) {}
func (c *countingEvents) Unsubscribe(string)                 {}
func (c *countingEvents) Broadcast(event bus.Event) {
	if event.Name != protocol.EventExecApprovalRes {
		return
	}
	c.mu.Lock()
	c.decided++
	c.mu.Unlock()
}

func TestDecideConcurrentDuplicateBroadcastsOnce(t *testing.T) {
	events := &countingEvents{}
	cfg := config.Default()
	e, err := NewEngine(cfg, events, filepath.Join(t.TempDir(), "exec-approvals.json"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.RequestApproval(context.Background(), Request{AgentID: "main", Command: "rm x"})
	}()
	req := awaitPending(t, e)

	const racers = 8
	results := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < racers; i++ {
		go func() {
			start.Wait()
			results <- e.Decide(req.ID, DecideAllowOnce, "operator")
		}()
	}
	start.Done()

	var wins, dups int
	for i := 0; i < racers; i++ {
		switch err := <-results; err {
		case nil:
			wins++
		case ErrAlreadyDecided:
			dups++
		default:
			t.Fatalf("Decide: %v", err)
		}
	}
	if wins != 1 || dups != racers-1 {
		t.Fatalf("wins = %d, dups = %d, want exactly one winner", wins, dups)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("RequestApproval = %v, want nil", err)
	}

	events.mu.Lock()
	decided := events.decided
	events.mu.Unlock()
	if decided != 1 {
		t.Fatalf("decided broadcasts = %d, want 1", decided)
	}
}
