// Package store persists recipient state, contacts, and audit logs in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"smsagent/internal/domain"
)

// SQLiteStore implements domain.StateStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recipient_state (
		recipient_id      TEXT PRIMARY KEY,
		last_message_sent TEXT,
		last_sent_at      DATETIME,
		last_was_question INTEGER DEFAULT 0,
		updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS history (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT NOT NULL,
		role         TEXT NOT NULL,
		text         TEXT,
		at           DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_recipient ON history(recipient_id, at);

	CREATE TABLE IF NOT EXISTS contacts (
		recipient_id       TEXT PRIMARY KEY,
		name               TEXT,
		relation           TEXT,
		custom_instruction TEXT,
		updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS guardrail_violations (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT NOT NULL,
		original     TEXT,
		violation    TEXT NOT NULL,
		action       TEXT NOT NULL,
		final        TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_violations_time ON guardrail_violations(created_at);

	CREATE TABLE IF NOT EXISTS completion_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT,
		provider    TEXT,
		model       TEXT,
		prompt      TEXT,
		response    TEXT,
		tokens      INTEGER DEFAULT 0,
		latency_ms  INTEGER DEFAULT 0,
		status      TEXT,
		error       TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_completion_time ON completion_log(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func storageErr(op string, err error) error {
	return &domain.StorageError{Op: op, Err: err}
}

// LoadState reads a recipient's state, contact profile, and history. A
// never-seen recipient yields a fresh empty state, not an error.
func (s *SQLiteStore) LoadState(ctx context.Context, recipientID string) (*domain.RecipientState, error) {
	state := &domain.RecipientState{RecipientID: recipientID}

	var lastSentAt sql.NullTime
	var lastWasQuestion sql.NullInt64
	var lastSent sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_sent, last_sent_at, last_was_question
		 FROM recipient_state WHERE recipient_id = ?`, recipientID,
	).Scan(&lastSent, &lastSentAt, &lastWasQuestion)
	if err != nil && err != sql.ErrNoRows {
		return nil, storageErr("load state", err)
	}
	if err == nil {
		state.LastMessageSent = lastSent.String
		state.LastWasQuestion = lastWasQuestion.Int64 != 0
		if lastSentAt.Valid {
			state.LastSentAt = lastSentAt.Time
		}
	}

	profile, err := s.GetContact(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		state.Profile = *profile
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, at FROM history WHERE recipient_id = ? ORDER BY at, id`, recipientID,
	)
	if err != nil {
		return nil, storageErr("load history", err)
	}
	defer rows.Close()
	for rows.Next() {
		var turn domain.Turn
		var role string
		if err := rows.Scan(&role, &turn.Text, &turn.At); err != nil {
			return nil, storageErr("scan history", err)
		}
		turn.Role = domain.Role(role)
		state.History = append(state.History, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load history", err)
	}

	return state, nil
}

// CommitState atomically replaces the recipient's state row and history.
func (s *SQLiteStore) CommitState(ctx context.Context, state *domain.RecipientState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin commit", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO recipient_state (recipient_id, last_message_sent, last_sent_at, last_was_question, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(recipient_id) DO UPDATE SET
			last_message_sent = excluded.last_message_sent,
			last_sent_at      = excluded.last_sent_at,
			last_was_question = excluded.last_was_question,
			updated_at        = excluded.updated_at`,
		state.RecipientID, state.LastMessageSent, state.LastSentAt, boolToInt(state.LastWasQuestion), time.Now(),
	)
	if err != nil {
		return storageErr("commit state", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE recipient_id = ?`, state.RecipientID); err != nil {
		return storageErr("clear history", err)
	}
	for _, turn := range state.History {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history (recipient_id, role, text, at) VALUES (?, ?, ?, ?)`,
			state.RecipientID, string(turn.Role), turn.Text, turn.At,
		); err != nil {
			return storageErr("commit history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, recipientID string) (*domain.ContactProfile, error) {
	var p domain.ContactProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(name, ''), COALESCE(relation, ''), COALESCE(custom_instruction, '')
		 FROM contacts WHERE recipient_id = ?`, recipientID,
	).Scan(&p.Name, &p.Relation, &p.CustomInstruction)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get contact", err)
	}
	return &p, nil
}

// UpsertContact updates a contact, keeping existing fields when the new
// profile leaves them empty.
func (s *SQLiteStore) UpsertContact(ctx context.Context, recipientID string, profile domain.ContactProfile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (recipient_id, name, relation, custom_instruction, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(recipient_id) DO UPDATE SET
			name               = COALESCE(NULLIF(excluded.name, ''), contacts.name),
			relation           = COALESCE(NULLIF(excluded.relation, ''), contacts.relation),
			custom_instruction = COALESCE(NULLIF(excluded.custom_instruction, ''), contacts.custom_instruction),
			updated_at         = excluded.updated_at`,
		recipientID, profile.Name, profile.Relation, profile.CustomInstruction, time.Now(),
	)
	if err != nil {
		return storageErr("upsert contact", err)
	}
	return nil
}

func (s *SQLiteStore) LogViolation(ctx context.Context, recipientID, original, violation, action, final string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardrail_violations (recipient_id, original, violation, action, final)
		 VALUES (?, ?, ?, ?, ?)`,
		recipientID, original, violation, action, final,
	)
	if err != nil {
		return storageErr("log violation", err)
	}
	return nil
}

func (s *SQLiteStore) LogCompletion(ctx context.Context, rec domain.CompletionLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completion_log (request_id, provider, model, prompt, response, tokens, latency_ms, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Provider, rec.Model, rec.Prompt, rec.Response, rec.Tokens, rec.LatencyMs, rec.Status, rec.Error,
	)
	if err != nil {
		return storageErr("log completion", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
