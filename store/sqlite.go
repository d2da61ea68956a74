// Package store keeps a history of violation reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"HelmetDetServer/pipeline"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("violation not found")

// Rider is one helmetless rider of a stored report.
type Rider struct {
	Index     int    `json:"index"`
	Outcome   string `json:"outcome"`
	Status    string `json:"plate_status,omitempty"`
	Raw       string `json:"raw,omitempty"`
	Corrected string `json:"corrected,omitempty"`
}

type Violation struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	Report     string    `json:"report"`
	OutputPath string    `json:"output_path"`
	Helmetless int       `json:"helmetless"`
	Riders     []Rider   `json:"riders,omitempty"`
}

// FromResult flattens a pipeline result into a storable record.
func FromResult(id, source string, res *pipeline.Result) Violation {
	v := Violation{
		ID:         id,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
		Report:     res.Report,
		OutputPath: res.OutputPath,
		Helmetless: len(res.Associations),
	}
	for _, a := range res.Associations {
		r := Rider{Index: a.Index + 1, Outcome: a.Outcome.String()}
		if a.Reading != nil {
			r.Status = a.Reading.Status.String()
			r.Raw = a.Reading.Raw
			r.Corrected = a.Reading.Corrected
		}
		v.Riders = append(v.Riders, r)
	}
	return v
}

// DB wraps the SQLite connection with serialized writes.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		report TEXT NOT NULL,
		output_path TEXT NOT NULL DEFAULT '',
		helmetless INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS riders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		violation_id TEXT NOT NULL,
		rider_index INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		plate_status TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		corrected TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (violation_id) REFERENCES violations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_violations_created_at ON violations(created_at);
	CREATE INDEX IF NOT EXISTS idx_riders_violation_id ON riders(violation_id);
	CREATE INDEX IF NOT EXISTS idx_riders_corrected ON riders(corrected);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Record stores res under id. It satisfies worker.Recorder.
func (db *DB) Record(ctx context.Context, id, source string, res *pipeline.Result) error {
	return db.Insert(ctx, FromResult(id, source, res))
}

func (db *DB) Insert(ctx context.Context, v Violation) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO violations (id, source, created_at, report, output_path, helmetless)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.ID, v.Source, v.CreatedAt, v.Report, v.OutputPath, v.Helmetless); err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO riders (violation_id, rider_index, outcome, plate_status, raw, corrected)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()
	for _, r := range v.Riders {
		if _, err := stmt.ExecContext(ctx, v.ID, r.Index, r.Outcome, r.Status, r.Raw, r.Corrected); err != nil {
			return fmt.Errorf("failed to insert rider: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the newest reports first, without rider rows.
func (db *DB) List(ctx context.Context, limit int) ([]Violation, error) {
	if limit <= 0 {
		limit = 50
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, source, created_at, report, output_path, helmetless
		FROM violations ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	violations := []Violation{}
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ID, &v.Source, &v.CreatedAt, &v.Report, &v.OutputPath, &v.Helmetless); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

func (db *DB) Get(ctx context.Context, id string) (*Violation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var v Violation
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, source, created_at, report, output_path, helmetless
		FROM violations WHERE id = ?
	`, id).Scan(&v.ID, &v.Source, &v.CreatedAt, &v.Report, &v.OutputPath, &v.Helmetless)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query violation: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT rider_index, outcome, plate_status, raw, corrected
		FROM riders WHERE violation_id = ? ORDER BY rider_index
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query riders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Rider
		if err := rows.Scan(&r.Index, &r.Outcome, &r.Status, &r.Raw, &r.Corrected); err != nil {
			return nil, fmt.Errorf("failed to scan rider: %w", err)
		}
		v.Riders = append(v.Riders, r)
	}
	return &v, rows.Err()
}
