// Package storage persists local state that survives restarts: the call
// history log and an archive of messages already fetched, so conversations
// render instantly before the server round trip completes.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/btalk/btalk-go/internal/chat"
	"github.com/btalk/btalk-go/internal/signal"
)

// DB wraps the local SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "btalk.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			call_id         TEXT PRIMARY KEY,
			conversation_id INTEGER NOT NULL,
			caller_id       INTEGER NOT NULL,
			recipient_id    INTEGER DEFAULT 0,
			call_type       TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			started_at      DATETIME NOT NULL,
			ended_at        DATETIME,
			duration_secs   INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call history table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			message_id      INTEGER PRIMARY KEY,
			conversation_id INTEGER NOT NULL,
			sender_id       INTEGER NOT NULL,
			sender_name     TEXT DEFAULT '',
			content         TEXT DEFAULT '',
			message_type    TEXT NOT NULL,
			status          TEXT NOT NULL,
			sent_at         DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv_sent
			ON messages (conversation_id, sent_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// ── Call history ──────────────────────────────────────────────────────────────

// CallRecord is one row of the local call history.
type CallRecord struct {
	CallID         string
	ConversationID int64
	CallerID       int64
	RecipientID    int64
	CallType       signal.CallType
	Outcome        string
	StartedAt      time.Time
	EndedAt        time.Time
	DurationSecs   int64
}

// Call outcomes as stored in the history log.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeMissed    = "missed"
	OutcomeFailed    = "failed"
)

// RecordCallStart writes a history row when a call begins ringing. The
// outcome starts as missed and is overwritten when the call resolves.
func (d *DB) RecordCallStart(req *signal.CallRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO call_history
			(call_id, conversation_id, caller_id, recipient_id, call_type, outcome, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.CallID, req.ConversationID, req.CallerID, req.RecipientID,
		string(req.CallType), OutcomeMissed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record call start: %w", err)
	}
	return nil
}

// RecordCallEnd marks a call resolved with the given outcome and duration.
func (d *DB) RecordCallEnd(callID, outcome string, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		UPDATE call_history
		SET outcome = ?, ended_at = ?, duration_secs = ?
		WHERE call_id = ?
	`, outcome, time.Now().UTC(), int64(duration.Seconds()), callID)
	if err != nil {
		return fmt.Errorf("record call end: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("call %s not in history", callID)
	}
	return nil
}

// RecentCalls returns the newest history rows, most recent first.
func (d *DB) RecentCalls(limit int) ([]CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT call_id, conversation_id, caller_id, recipient_id,
		       call_type, outcome, started_at, ended_at, duration_secs
		FROM call_history
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		var callType string
		var ended sql.NullTime
		if err := rows.Scan(&r.CallID, &r.ConversationID, &r.CallerID, &r.RecipientID,
			&callType, &r.Outcome, &r.StartedAt, &ended, &r.DurationSecs); err != nil {
			return nil, err
		}
		r.CallType = signal.CallType(callType)
		// Unresolved calls have no ended_at yet.
		r.EndedAt = r.StartedAt
		if ended.Valid {
			r.EndedAt = ended.Time
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ── Message archive ───────────────────────────────────────────────────────────

// SaveMessages upserts fetched messages into the archive. Messages without a
// server-assigned id are skipped.
func (d *DB) SaveMessages(msgs []chat.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO messages
			(message_id, conversation_id, sender_id, sender_name, content, message_type, status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.MessageID == 0 {
			continue
		}
		if _, err := stmt.Exec(m.MessageID, m.ConversationID, m.SenderID, m.SenderName,
			m.Content, string(m.MessageType), string(m.Status), m.SentAt.UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("save message %d: %w", m.MessageID, err)
		}
	}
	return tx.Commit()
}

// Messages returns the archived messages of a conversation in ascending
// sentAt order.
func (d *DB) Messages(conversationID int64, limit int) ([]chat.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Newest rows first, then reversed, so the limit trims the oldest.
	rows, err := d.db.Query(`
		SELECT message_id, conversation_id, sender_id, sender_name,
		       content, message_type, status, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var msgType, status string
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.SenderID, &m.SenderName,
			&m.Content, &msgType, &status, &m.SentAt); err != nil {
			return nil, err
		}
		m.MessageType = chat.MessageType(msgType)
		m.Status = chat.MessageStatus(status)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PruneMessages deletes archived messages older than the cutoff.
func (d *DB) PruneMessages(olderThan time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`DELETE FROM messages WHERE sent_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
