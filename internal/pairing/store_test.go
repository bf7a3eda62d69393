package pairing

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIssueCodeReusesOutstanding(t *testing.T) {
	s := openTestStore(t)

	first, err := s.IssueCode("telegram", "42", "")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	if len(first) != 8 {
		t.Fatalf("code length = %d, want 8", len(first))
	}

	second, err := s.IssueCode("telegram", "42", "")
	if err != nil {
		t.Fatalf("second IssueCode: %v", err)
	}
	if second != first {
		t.Fatalf("second code = %q, want reuse of %q", second, first)
	}

	other, err := s.IssueCode("telegram", "43", "")
	if err != nil {
		t.Fatalf("IssueCode other sender: %v", err)
	}
	if other == first {
		t.Fatal("distinct senders got the same code")
	}
}

func TestApproveFlow(t *testing.T) {
	s := openTestStore(t)

	if s.IsApproved("telegram", "42") {
		t.Fatal("sender approved before pairing")
	}

	code, err := s.IssueCode("telegram", "42", "alice")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}

	channel, sender, err := s.Approve(code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if channel != "telegram" || sender != "42" {
		t.Fatalf("Approve = (%q, %q), want (telegram, 42)", channel, sender)
	}
	if !s.IsApproved("telegram", "42") {
		t.Fatal("sender not approved after Approve")
	}

	// Code is consumed.
	if _, _, err := s.Approve(code); err != ErrCodeNotFound {
		t.Fatalf("second Approve = %v, want ErrCodeNotFound", err)
	}
}

func TestApproveUnknownCode(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.Approve("NOPE1234"); err != ErrCodeNotFound {
		t.Fatalf("Approve = %v, want ErrCodeNotFound", err)
	}
}

func TestExpiredCodeRotates(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	s.now = func() time.Time { return base }

	first, err := s.IssueCode("telegram", "42", "")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}

	s.now = func() time.Time { return base.Add(CodeTTL + time.Minute) }

	if _, _, err := s.Approve(first); err != ErrCodeNotFound {
		t.Fatalf("Approve expired = %v, want ErrCodeNotFound", err)
	}
	second, err := s.IssueCode("telegram", "42", "")
	if err != nil {
		t.Fatalf("IssueCode after expiry: %v", err)
	}
	if second == first {
		t.Fatal("expired code reissued verbatim")
	}
}

func TestListPendingAndRevoke(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.IssueCode("telegram", "42", "alice"); err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	pending, err := s.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].SenderID != "42" || pending[0].Meta != "alice" {
		t.Fatalf("ListPending = %+v, want one entry for sender 42", pending)
	}

	code := pending[0].Code
	if _, _, err := s.Approve(code); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := s.Revoke("telegram", "42"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.IsApproved("telegram", "42") {
		t.Fatal("sender still approved after Revoke")
	}
}
