// Package store implements the append-only per-stage event log on SQLite.
//
// Each stage process owns exactly one store; cross-stage reads never happen.
// Records are created on successful processing of one inbound event and are
// never updated or deleted.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// DefaultLimit is the page size when the caller passes a non-positive limit.
	DefaultLimit = 100
	// MaxLimit caps every read regardless of the requested limit.
	MaxLimit = 500
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("store: record not found")

// Record is one processed event. The payload is the full order snapshot, so a
// record is sufficient to reconstruct the order view at that point without
// consulting other stages.
type Record struct {
	ID         int64           `json:"id"`
	OrderID    string          `json:"orderId"`
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	Actor      string          `json:"actor,omitempty"`
	ETAMinutes int             `json:"etaMinutes,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  string          `json:"createdAt"`
}

// Store is a stage's local event log.
type Store struct {
	db *sql.DB

	// dedupe enforces at most one record per (order_id, stage). Redelivered
	// messages then append as no-ops and the stored payload wins, which is
	// what makes republishing safe under at-least-once delivery. The audit
	// store runs without it and keeps every delivery.
	dedupe bool
}

// Open opens (creating if needed) the SQLite event log at path. Use ":memory:"
// in tests.
func Open(path string, dedupe bool) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, dedupe: dedupe}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT,
		actor TEXT,
		eta_minutes INTEGER DEFAULT 0,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stage_records_order ON stage_records(order_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if s.dedupe {
		_, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_stage_records_order_stage ON stage_records(order_id, stage)`)
		return err
	}
	return nil
}

// Append persists one record. On a dedupe store, a record whose
// (order_id, stage) already exists is a no-op success: the previously stored
// record is returned and the caller must treat it as canonical.
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	query := `INSERT INTO stage_records (order_id, stage, status, actor, eta_minutes, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.dedupe {
		query += ` ON CONFLICT(order_id, stage) DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx, query,
		rec.OrderID, rec.Stage, rec.Status, rec.Actor, rec.ETAMinutes, string(rec.Payload), rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("store: append record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("store: append record: %w", err)
	}
	if affected == 0 {
		return s.byOrderAndStage(ctx, rec.OrderID, rec.Stage)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("store: append record: %w", err)
	}
	rec.ID = id
	return rec, nil
}

func (s *Store) byOrderAndStage(ctx context.Context, orderID, stage string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, order_id, stage, status, actor, eta_minutes, payload, created_at
		 FROM stage_records WHERE order_id = ? AND stage = ?`, orderID, stage)
	return scanRecord(row)
}

// List returns records newest first, optionally filtered by order id. The
// limit is clamped, not rejected: non-positive falls back to DefaultLimit and
// anything above MaxLimit is capped.
func (s *Store) List(ctx context.Context, orderID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := `SELECT id, order_id, stage, status, actor, eta_minutes, payload, created_at FROM stage_records`
	args := []any{}
	if orderID != "" {
		query += ` WHERE order_id = ?`
		args = append(args, orderID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	return records, nil
}

// GetByID returns the record with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, order_id, stage, status, actor, eta_minutes, payload, created_at
		 FROM stage_records WHERE id = ?`, id)
	return scanRecord(row)
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var payload string
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.Stage, &rec.Status, &rec.Actor, &rec.ETAMinutes, &payload, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: scan record: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}
