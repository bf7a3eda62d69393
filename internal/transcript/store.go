package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultReadLimit is returned when Read is called with limit 0.
	DefaultReadLimit = 200
	// MaxReadLimit is the hard cap on records returned by Read.
	MaxReadLimit = 1000
	// DefaultByteBudget bounds the cumulative bytes Read returns from the tail.
	DefaultByteBudget = 1 << 20
	// maxLineSize bounds a single JSONL line (tool results can be huge).
	maxLineSize = 10 * 1024 * 1024
)

// Store appends and reads per-session JSONL transcripts. Appends to a given
// path serialize on a per-path mutex; reads take no lock and tolerate a
// torn trailing line.
type Store struct {
	byteBudget int64

	mu      sync.Mutex
	writers map[string]*sync.Mutex // path → per-file write lock
}

// NewStore creates a transcript store. byteBudget <= 0 uses the default 1 MiB.
func NewStore(byteBudget int64) *Store {
	if byteBudget <= 0 {
		byteBudget = DefaultByteBudget
	}
	return &Store{
		byteBudget: byteBudget,
		writers:    make(map[string]*sync.Mutex),
	}
}

func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.writers[path]
	if !ok {
		l = &sync.Mutex{}
		s.writers[path] = l
	}
	return l
}

// Ensure creates the transcript file with its session header when absent.
// Parent directories are created as needed.
func (s *Store) Ensure(sessionID, path, cwd string) error {
	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat transcript: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}

	header := SessionHeader{
		Type:      RecordTypeSession,
		Version:   HeaderVersion,
		ID:        sessionID,
		Timestamp: time.Now().UnixMilli(),
		CWD:       cwd,
	}
	return appendLine(path, header)
}

// Append writes one message record as a single JSONL line. The line goes out
// in one Write call so a crash can only truncate the final line, which
// readers skip.
func (s *Store) Append(path string, rec MessageRecord) error {
	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()
	return appendLine(path, rec)
}

func appendLine(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Read returns the most recent records, newest last. limit 0 means the
// default (200); limits above the hard cap are clamped to 1000. Records are
// additionally bounded by the cumulative byte budget counted from the tail:
// when the budget is exceeded the oldest records are dropped, never the
// newest. Malformed lines are skipped with a warning.
func (s *Store) Read(path string, limit int) ([]MessageRecord, error) {
	if limit < 0 {
		return []MessageRecord{}, nil
	}
	if limit == 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []MessageRecord{}, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	type sized struct {
		rec   MessageRecord
		bytes int64
	}
	var all []sized

	scanner := bufio.NewScanner(f)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			slog.Warn("transcript.corrupt_line", "path", filepath.Base(path), "line", lineNum, "error", err)
			continue
		}
		if probe.Type != RecordTypeMessage {
			continue
		}

		var rec MessageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("transcript.corrupt_line", "path", filepath.Base(path), "line", lineNum, "error", err)
			continue
		}
		all = append(all, sized{rec: rec, bytes: int64(len(line))})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	// Walk backwards from the tail applying both the record limit and the
	// byte budget; the newest records always win.
	var total int64
	start := len(all)
	for start > 0 && len(all)-start < limit {
		next := all[start-1]
		if total+next.bytes > s.byteBudget && len(all)-start > 0 {
			break
		}
		total += next.bytes
		start--
	}

	out := make([]MessageRecord, 0, len(all)-start)
	for _, e := range all[start:] {
		out = append(out, e.rec)
	}
	return out, nil
}

// Delete renames the transcript to <path>.deleted.<unixms>. Content is
// preserved, never erased.
func (s *Store) Delete(path string) error {
	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	dest := fmt.Sprintf("%s.deleted.%d", path, time.Now().UnixMilli())
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("archive transcript: %w", err)
	}
	return nil
}
