package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HatiCode/synapse/pkg/telemetry"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generation_audit (
	id            TEXT PRIMARY KEY,
	operation     TEXT NOT NULL,
	variant       TEXT NOT NULL,
	candidate     TEXT,
	created_at    TEXT NOT NULL,
	prompt        TEXT NOT NULL,
	response      TEXT NOT NULL,
	code          TEXT NOT NULL,
	source        TEXT,
	metrics_json  TEXT NOT NULL,
	status        TEXT NOT NULL,
	reason        TEXT
);

CREATE INDEX IF NOT EXISTS idx_generation_audit_operation
	ON generation_audit (operation, created_at);
`

// sqliteTime is fixed width so created_at sorts chronologically as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteLog stores audit records in a SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens the database at path and runs migrations.
// Use ":memory:" for an ephemeral log.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func (l *SQLiteLog) Append(ctx context.Context, rec Record) (Record, error) {
	rec, err := prepare(rec)
	if err != nil {
		return Record{}, err
	}

	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return Record{}, fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO generation_audit
		 (id, operation, variant, candidate, created_at, prompt, response, code, source, metrics_json, status, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Operation, rec.Variant, rec.Candidate,
		rec.CreatedAt.UTC().Format(sqliteTime),
		rec.Prompt, rec.Response, rec.Code, rec.Source,
		string(metrics), string(rec.Status), rec.Reason,
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

func (l *SQLiteLog) SetStatus(ctx context.Context, id string, status Status, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("set status: invalid status %q", status)
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE generation_audit SET status = ?, reason = ? WHERE id = ?`,
		string(status), reason, id,
	)
	if err != nil {
		return fmt.Errorf("update audit status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update audit status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set status %s: %w", id, ErrNotFound)
	}
	return nil
}

func (l *SQLiteLog) List(ctx context.Context, operation string) ([]Record, error) {
	query := `SELECT id, operation, variant, candidate, created_at, prompt, response, code, source, metrics_json, status, reason
		FROM generation_audit`
	var args []any
	if operation != "" {
		query += ` WHERE operation = ?`
		args = append(args, operation)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec                        Record
			candidate, source, reason  sql.NullString
			createdAt, metrics, status string
		)
		if err := rows.Scan(&rec.ID, &rec.Operation, &rec.Variant, &candidate, &createdAt,
			&rec.Prompt, &rec.Response, &rec.Code, &source, &metrics, &status, &reason); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}

		rec.Candidate = candidate.String
		rec.Source = source.String
		rec.Reason = reason.String
		rec.Status = Status(status)
		if rec.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		var snap telemetry.Snapshot
		if err := json.Unmarshal([]byte(metrics), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
		rec.Metrics = snap
		records = append(records, rec)
	}
	return records, rows.Err()
}
