package dpa

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists dpa records in sqlite. Transitions run inside a
// transaction with the status guard enforced by the UPDATE's WHERE clause,
// so a concurrent writer cannot slip a record past its guard.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a store at the given database path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dpa: open database: %w", err)
	}
	// The machine is a single logical writer; one connection avoids
	// SQLITE_BUSY on interleaved transactions.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS dpa_records (
        dpa_id TEXT PRIMARY KEY,
        event_id TEXT NOT NULL,
        status TEXT NOT NULL,
        options JSON NOT NULL DEFAULT '[]',
        human_decision JSON,
        approved_at DATETIME,
        approved_by TEXT,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("dpa: migrate: %w", err)
	}
	return nil
}

// Insert stores a fresh record. A duplicate dpa_id is an error.
func (s *SQLiteStore) Insert(ctx context.Context, r *Record) error {
	options, decision, approvedAt, err := encodeFields(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO dpa_records (dpa_id, event_id, status, options, human_decision, approved_at, approved_by, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DPAID, r.EventID, string(r.Status), options, decision, approvedAt, r.ApprovedBy,
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dpa: insert %s: %w", r.DPAID, err)
	}
	return nil
}

// Get loads one record by id.
func (s *SQLiteStore) Get(ctx context.Context, dpaID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT dpa_id, event_id, status, options, human_decision, approved_at, approved_by, created_at, updated_at
        FROM dpa_records WHERE dpa_id = ?`, dpaID)
	return scanRecord(row)
}

// Transition loads the record, checks its status against from, applies
// mutate, and writes back with the guard repeated in the UPDATE. The whole
// sequence runs in one transaction.
func (s *SQLiteStore) Transition(ctx context.Context, dpaID string, from []Status, mutate func(r *Record) error) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dpa: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
        SELECT dpa_id, event_id, status, options, human_decision, approved_at, approved_by, created_at, updated_at
        FROM dpa_records WHERE dpa_id = ?`, dpaID)
	r, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	if !statusIn(r.Status, from) {
		return nil, fmt.Errorf("%w: %s is %s, wanted one of %s",
			ErrBadTransition, dpaID, r.Status, statusList(from))
	}
	if err := mutate(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now().UTC()

	options, decision, approvedAt, err := encodeFields(r)
	if err != nil {
		return nil, err
	}
	guards := make([]string, len(from))
	args := []any{string(r.Status), options, decision, approvedAt, r.ApprovedBy,
		r.UpdatedAt.Format(time.RFC3339Nano), dpaID}
	for i, st := range from {
		guards[i] = "?"
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
        UPDATE dpa_records
        SET status = ?, options = ?, human_decision = ?, approved_at = ?, approved_by = ?, updated_at = ?
        WHERE dpa_id = ? AND status IN (%s)`, strings.Join(guards, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("dpa: update %s: %w", dpaID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("dpa: rows affected: %w", err)
	}
	if affected != 1 {
		return nil, fmt.Errorf("%w: %s moved concurrently", ErrBadTransition, dpaID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dpa: commit transition: %w", err)
	}
	return r, nil
}

func encodeFields(r *Record) (options string, decision, approvedAt sql.NullString, err error) {
	rawOptions, err := json.Marshal(r.Options)
	if err != nil {
		return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("dpa: encode options: %w", err)
	}
	options = string(rawOptions)
	if r.Decision != nil {
		rawDecision, err := json.Marshal(r.Decision)
		if err != nil {
			return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("dpa: encode decision: %w", err)
		}
		decision = sql.NullString{String: string(rawDecision), Valid: true}
	}
	if r.ApprovedAt != nil {
		approvedAt = sql.NullString{String: r.ApprovedAt.Format(time.RFC3339Nano), Valid: true}
	}
	return options, decision, approvedAt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r          Record
		status     string
		options    string
		decision   sql.NullString
		approvedAt sql.NullString
		approvedBy sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&r.DPAID, &r.EventID, &status, &options, &decision, &approvedAt, &approvedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dpa: scan record: %w", err)
	}
	r.Status = Status(status)
	if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
		return nil, fmt.Errorf("dpa: decode options: %w", err)
	}
	if decision.Valid {
		r.Decision = &HumanDecision{}
		if err := json.Unmarshal([]byte(decision.String), r.Decision); err != nil {
			return nil, fmt.Errorf("dpa: decode decision: %w", err)
		}
	}
	if approvedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, approvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("dpa: decode approved_at: %w", err)
		}
		r.ApprovedAt = &ts
	}
	r.ApprovedBy = approvedBy.String
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("dpa: decode created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("dpa: decode updated_at: %w", err)
	}
	return &r, nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func statusList(set []Status) string {
	names := make([]string, len(set))
	for i, s := range set {
		names[i] = string(s)
	}
	return strings.Join(names, "|")
}
