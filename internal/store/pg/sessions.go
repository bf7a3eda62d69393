package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openclaw/openclaw/internal/sessions"
)

// SessionStore implements sessions.Store against the sessions table. Each
// entry is one row with the full document as JSONB; the registry holds the
// hot copy in memory so reads never hit the database after startup.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) LoadAll() (map[string]*sessions.Entry, error) {
	rows, err := s.db.Query(`SELECT session_key, entry FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*sessions.Entry)
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var e sessions.Entry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode session %q: %w", key, err)
		}
		out[key] = &e
	}
	return out, rows.Err()
}

func (s *SessionStore) Put(key string, e *sessions.Entry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, agent_id, entry, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_key) DO UPDATE SET entry = $3, updated_at = now()`,
		key, e.AgentID, doc,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Flush is a no-op: every Put writes through.
func (s *SessionStore) Flush() error { return nil }
