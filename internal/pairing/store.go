// Package pairing persists DM pairing state in sqlite: short-lived pairing
// codes issued to unknown senders and the set of approved senders. A channel
// running with dmPolicy="pairing" blocks unknown DMs, replies with a code,
// and unblocks once an owner approves the code out of band.
package pairing

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CodeTTL is how long an issued pairing code stays redeemable.
const CodeTTL = time.Hour

// ErrCodeNotFound is returned when a code is unknown or expired.
var ErrCodeNotFound = errors.New("pairing code not found")

const schema = `
CREATE TABLE IF NOT EXISTS pairing_codes (
    code       TEXT PRIMARY KEY,
    channel    TEXT NOT NULL,
    sender_id  TEXT NOT NULL,
    meta       TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pairing_codes_sender_idx
    ON pairing_codes (channel, sender_id);

CREATE TABLE IF NOT EXISTS approved_senders (
    channel     TEXT NOT NULL,
    sender_id   TEXT NOT NULL,
    approved_at INTEGER NOT NULL,
    PRIMARY KEY (channel, sender_id)
);
`

// Store is the sqlite-backed pairing database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the pairing database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pairing db: %w", err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init pairing schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// IssueCode returns the pairing code for an unknown sender, minting one when
// none is outstanding. Repeated DMs from the same sender reuse the same code
// until it expires.
func (s *Store) IssueCode(channel, senderID, meta string) (string, error) {
	now := s.now()

	var code string
	var expires int64
	err := s.db.QueryRow(
		`SELECT code, expires_at FROM pairing_codes WHERE channel = ? AND sender_id = ?`,
		channel, senderID,
	).Scan(&code, &expires)
	switch {
	case err == nil:
		if expires > now.UnixMilli() {
			return code, nil
		}
		// Expired: drop and mint a fresh one.
		if _, err := s.db.Exec(`DELETE FROM pairing_codes WHERE code = ?`, code); err != nil {
			return "", fmt.Errorf("expire pairing code: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("lookup pairing code: %w", err)
	}

	code, err = newCode()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO pairing_codes (code, channel, sender_id, meta, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		code, channel, senderID, meta, now.UnixMilli(), now.Add(CodeTTL).UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert pairing code: %w", err)
	}
	return code, nil
}

// Approve redeems a code: the sender becomes approved and the code is
// consumed. Returns the channel and sender that were unblocked.
func (s *Store) Approve(code string) (channel, senderID string, err error) {
	now := s.now().UnixMilli()

	var expires int64
	err = s.db.QueryRow(
		`SELECT channel, sender_id, expires_at FROM pairing_codes WHERE code = ?`, code,
	).Scan(&channel, &senderID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrCodeNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup pairing code: %w", err)
	}
	if expires <= now {
		s.db.Exec(`DELETE FROM pairing_codes WHERE code = ?`, code)
		return "", "", ErrCodeNotFound
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", "", fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO approved_senders (channel, sender_id, approved_at) VALUES (?, ?, ?)`,
		channel, senderID, now,
	); err != nil {
		return "", "", fmt.Errorf("approve sender: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pairing_codes WHERE code = ?`, code); err != nil {
		return "", "", fmt.Errorf("consume pairing code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit approve: %w", err)
	}
	return channel, senderID, nil
}

// IsApproved reports whether the sender was previously approved.
func (s *Store) IsApproved(channel, senderID string) bool {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM approved_senders WHERE channel = ? AND sender_id = ?`,
		channel, senderID,
	).Scan(&one)
	return err == nil
}

// Revoke removes an approved sender.
func (s *Store) Revoke(channel, senderID string) error {
	if _, err := s.db.Exec(
		`DELETE FROM approved_senders WHERE channel = ? AND sender_id = ?`,
		channel, senderID,
	); err != nil {
		return fmt.Errorf("revoke sender: %w", err)
	}
	return nil
}

// PendingCode describes an outstanding pairing request.
type PendingCode struct {
	Code      string `json:"code"`
	Channel   string `json:"channel"`
	SenderID  string `json:"senderId"`
	Meta      string `json:"meta,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ListPending returns unexpired codes, newest first.
func (s *Store) ListPending() ([]PendingCode, error) {
	rows, err := s.db.Query(
		`SELECT code, channel, sender_id, meta, created_at, expires_at
		 FROM pairing_codes WHERE expires_at > ? ORDER BY created_at DESC`,
		s.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing codes: %w", err)
	}
	defer rows.Close()

	var out []PendingCode
	for rows.Next() {
		var p PendingCode
		if err := rows.Scan(&p.Code, &p.Channel, &p.SenderID, &p.Meta, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan pairing code: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// codeAlphabet omits lookalikes (0/O, 1/I/L) so codes survive being read
// aloud or retyped.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func newCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
