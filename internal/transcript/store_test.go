package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestEnsureWritesHeaderOnce verifies Ensure creates the header line exactly
// once and is idempotent.
func TestEnsureWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "s1.jsonl")
	s := NewStore(0)

	if err := s.Ensure("sess-1", path, "/work"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := s.Ensure("sess-1", path, "/work"); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("file has %d lines, want 1 header", len(lines))
	}
	if !strings.Contains(lines[0], `"type":"session"`) {
		t.Fatalf("header line = %s, want type session", lines[0])
	}
	if !strings.Contains(lines[0], `"id":"sess-1"`) {
		t.Fatalf("header line = %s, want id sess-1", lines[0])
	}
}

// TestAppendRead verifies appended records come back in order with the
// header excluded.
func TestAppendRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	s := NewStore(0)

	if err := s.Ensure("sess", path, ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for i := 0; i < 5; i++ {
		rec := NewMessageRecord("user", fmt.Sprintf("msg %d", i))
		if err := s.Append(path, rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	recs, err := s.Read(path, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("Read returned %d records, want 5", len(recs))
	}
	if got := recs[4].Message.Text(); got != "msg 4" {
		t.Fatalf("last record text = %q, want %q", got, "msg 4")
	}
}

// TestReadLimits verifies the limit semantics: negative → empty, above the
// hard cap → clamped, small limits keep the newest records.
func TestReadLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	s := NewStore(0)
	for i := 0; i < 10; i++ {
		if err := s.Append(path, NewMessageRecord("user", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name  string
		limit int
		want  int
		last  string
	}{
		{"negative yields empty", -1, 0, ""},
		{"limit keeps newest", 3, 3, "m9"},
		{"huge limit capped but small file", 5000, 10, "m9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Read(path, tt.limit)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(recs) != tt.want {
				t.Fatalf("Read(%d) returned %d records, want %d", tt.limit, len(recs), tt.want)
			}
			if tt.want > 0 {
				if got := recs[len(recs)-1].Message.Text(); got != tt.last {
					t.Fatalf("last = %q, want %q", got, tt.last)
				}
			}
		})
	}
}

// TestReadSkipsCorruptLines verifies a torn trailing line never aborts a read.
func TestReadSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	s := NewStore(0)

	if err := s.Append(path, NewMessageRecord("user", "fine")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Simulate a crash mid-write: partial JSON without newline-terminated close.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"type":"message","id":"trunc`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	recs, err := s.Read(path, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Read returned %d records, want 1 (torn line skipped)", len(recs))
	}
}

// TestReadByteBudget verifies the byte budget drops the oldest records while
// always keeping at least the newest one.
func TestReadByteBudget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	s := NewStore(600) // a record with ~200 chars of text exceeds 300 bytes

	big := strings.Repeat("x", 200)
	for i := 0; i < 5; i++ {
		if err := s.Append(path, NewMessageRecord("user", fmt.Sprintf("%d-%s", i, big))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := s.Read(path, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) == 0 || len(recs) >= 5 {
		t.Fatalf("Read returned %d records, want a tail window smaller than 5", len(recs))
	}
	if got := recs[len(recs)-1].Message.Text(); !strings.HasPrefix(got, "4-") {
		t.Fatalf("newest record dropped: last = %.5q", got)
	}
}

// TestDeleteRenames verifies Delete archives the file instead of erasing it.
func TestDeleteRenames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	s := NewStore(0)
	if err := s.Append(path, NewMessageRecord("user", "kept")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := s.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("original file still present after Delete")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".deleted.") {
			found = true
		}
	}
	if !found {
		t.Fatal("no .deleted.<ts> archive found")
	}
}
