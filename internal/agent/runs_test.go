package agent

import (
	"fmt"
	"testing"
	"time"
)

func TestRunTrackerTransitions(t *testing.T) {
	tr := newRunTracker()
	tr.Create("r1", "agent:main:main")

	for _, state := range []string{StateQueued, StateRunning, StateFinal} {
		if got, ok := tr.Transition("r1", state); !ok || got != state {
			t.Fatalf("Transition(%s) = %q, %v", state, got, ok)
		}
	}

	// Terminal states never move again.
	if got, ok := tr.Transition("r1", StateAborted); ok || got != StateFinal {
		t.Fatalf("post-terminal transition = %q, %v", got, ok)
	}

	// Backward transitions are rejected.
	tr.Create("r2", "agent:main:main")
	tr.Transition("r2", StateRunning)
	if _, ok := tr.Transition("r2", StateQueued); ok {
		t.Fatal("backward transition accepted")
	}
}

func TestRunTrackerFail(t *testing.T) {
	tr := newRunTracker()
	tr.Create("r1", "agent:main:main")
	tr.Transition("r1", StateRunning)

	if !tr.Fail("r1", "boom") {
		t.Fatal("Fail returned false for live run")
	}
	rec, _ := tr.Get("r1")
	if rec.State != StateError || rec.Error != "boom" {
		t.Fatalf("failed record = %+v", rec)
	}
	if tr.Fail("r1", "again") {
		t.Fatal("Fail on terminal run must be a no-op")
	}
}

func TestRunTrackerSeqMonotonic(t *testing.T) {
	tr := newRunTracker()
	tr.Create("r1", "agent:main:main")

	var last int64
	for i := 0; i < 100; i++ {
		seq := tr.NextSeq("r1")
		if seq <= last {
			t.Fatalf("seq %d not monotonic after %d", seq, last)
		}
		last = seq
	}
}

func TestIdemCacheLookupAndTTL(t *testing.T) {
	c := newIdemCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Store("chat:k1", IdemStatus{RunID: "r1", Status: StateQueued})
	if st, ok := c.Lookup("chat:k1"); !ok || st.RunID != "r1" {
		t.Fatalf("Lookup = %+v, %v", st, ok)
	}

	// Refresh moves the status forward under the same key.
	c.Store("chat:k1", IdemStatus{RunID: "r1", Status: StateFinal})
	if st, _ := c.Lookup("chat:k1"); st.Status != StateFinal {
		t.Fatalf("status after refresh = %q", st.Status)
	}

	// Expired entries vanish.
	now = now.Add(idemTTL + time.Second)
	if _, ok := c.Lookup("chat:k1"); ok {
		t.Fatal("expired entry still returned")
	}
}

func TestIdemCacheEviction(t *testing.T) {
	c := newIdemCache()
	for i := 0; i < idemMaxEntries+10; i++ {
		c.Store(fmt.Sprintf("chat:k%d", i), IdemStatus{RunID: "r", Status: StateQueued})
	}
	if c.order.Len() != idemMaxEntries {
		t.Fatalf("cache size = %d, want %d", c.order.Len(), idemMaxEntries)
	}
	// The oldest keys were evicted, the newest stayed.
	if _, ok := c.Lookup("chat:k0"); ok {
		t.Fatal("oldest key survived eviction")
	}
	if _, ok := c.Lookup(fmt.Sprintf("chat:k%d", idemMaxEntries+9)); !ok {
		t.Fatal("newest key missing")
	}
}

func TestHeartbeatDeliverable(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		deliver bool
	}{
		{"bare ack", "HEARTBEAT_OK", "", false},
		{"ack with short tail", "HEARTBEAT_OK — all quiet", "", false},
		{"no ack", "disk is at 95%", "disk is at 95%", true},
		{"ack with long tail", "HEARTBEAT_OK " + longText(400), longText(400), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, deliver := heartbeatDeliverable(tt.content, defaultAckMaxChars)
			if deliver != tt.deliver || got != tt.want {
				t.Fatalf("heartbeatDeliverable = %q, %v; want %q, %v", got, deliver, tt.want, tt.deliver)
			}
		})
	}
}

func longText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestResolveThinkingLevel(t *testing.T) {
	tests := []struct {
		name                            string
		inline, session, global, model string
		want                            string
	}{
		{"inline wins", "high", "low", "medium", "claude-sonnet-4-5", "high"},
		{"session beats global", "", "low", "medium", "claude-sonnet-4-5", "low"},
		{"global fallback", "", "", "medium", "claude-sonnet-4-5", "medium"},
		{"all empty", "", "", "", "claude-sonnet-4-5", "off"},
		{"capability fallback", "high", "", "", "claude-haiku-3", "off"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveThinkingLevel(tt.inline, tt.session, tt.global, "anthropic", tt.model)
			if got != tt.want {
				t.Fatalf("resolveThinkingLevel = %q, want %q", got, tt.want)
			}
		})
	}
}
