package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteTrail persists the audit trail in a SQLite database. Triggers reject
// UPDATE and DELETE so the table stays append-only.
type SQLiteTrail struct {
	db *sql.DB
}

var _ Trail = (*SQLiteTrail)(nil)

// NewSQLiteTrail opens (creating if needed) the database at dbPath.
func NewSQLiteTrail(dbPath string) (*SQLiteTrail, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &SQLiteTrail{db: db}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	log.Info().Str("path", dbPath).Msg("Audit trail: sqlite")
	return t, nil
}

func (t *SQLiteTrail) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		decision TEXT NOT NULL,
		rationale TEXT,
		component TEXT,
		timestamp TEXT NOT NULL,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);

	CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
	BEFORE UPDATE ON audit_entries
	BEGIN
		SELECT RAISE(ABORT, 'audit trail is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
	BEFORE DELETE ON audit_entries
	BEGIN
		SELECT RAISE(ABORT, 'audit trail is append-only');
	END;
	`
	_, err := t.db.Exec(schema)
	return err
}

func (t *SQLiteTrail) Append(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	if err := validate(entry); err != nil {
		return models.AuditEntry{}, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	details := []byte("null")
	if entry.Details != nil {
		var err error
		if details, err = json.Marshal(entry.Details); err != nil {
			return models.AuditEntry{}, fmt.Errorf("marshal audit details: %w", err)
		}
	}

	res, err := t.db.ExecContext(ctx,
		`INSERT INTO audit_entries (session_id, stage, decision, rationale, component, timestamp, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Stage, entry.Decision, entry.Rationale, entry.Component,
		entry.Timestamp.UTC().Format(time.RFC3339Nano), string(details),
	)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit entry id: %w", err)
	}
	entry.Sequence = seq
	return entry, nil
}

func (t *SQLiteTrail) List(ctx context.Context, sessionID string) ([]models.AuditEntry, error) {
	query := `SELECT sequence, session_id, stage, decision, rationale, component, timestamp, details FROM audit_entries`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY sequence`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e                    models.AuditEntry
			rationale, component sql.NullString
			ts                   string
			details              sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.SessionID, &e.Stage, &e.Decision, &rationale, &component, &ts, &details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Rationale = rationale.String
		e.Component = component.String
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *SQLiteTrail) Close() error {
	return t.db.Close()
}
