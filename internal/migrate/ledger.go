package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status of a ledger record. The only legal transitions are
// pending -> applied, pending -> failed, and applied -> rolled_back.
// Failed and rolled back records are immutable history.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// MigrationType classifies what a migration did.
type MigrationType string

const (
	TypeInitial  MigrationType = "initial"
	TypeSchema   MigrationType = "schema"
	TypeData     MigrationType = "data"
	TypeRollback MigrationType = "rollback"
)

// Record is one row of the migration ledger.
type Record struct {
	ID          string
	Module      string
	Version     string
	Name        string
	Type        MigrationType
	Operations  []*Operation
	RollbackSQL string
	Status      Status
	Error       string
	DurationMS  int64
	AppliedAt   *time.Time
	CreatedAt   time.Time
}

// RecordNotFoundError reports a ledger lookup that matched nothing.
type RecordNotFoundError struct {
	Module string
	Name   string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("no migration record %q for module %q", e.Name, e.Module)
}

// NoRollbackError reports an applied migration whose stored rollback SQL
// holds no executable statements, such as a recorded table drop. The record
// stays applied.
type NoRollbackError struct {
	Module string
	Name   string
}

func (e *NoRollbackError) Error() string {
	return fmt.Sprintf("no rollback SQL available for migration %q of module %q", e.Name, e.Module)
}

// InvalidStateError reports a transition the ledger refuses, such as
// rolling back a migration that never applied.
type InvalidStateError struct {
	Module string
	Name   string
	Status Status
	Want   Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("migration %q of module %q is %s, expected %s",
		e.Name, e.Module, e.Status, e.Want)
}

// Ledger persists migration records in the module_migrations table.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a Ledger over an open database handle.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const createLedgerTableSQL = `
CREATE TABLE IF NOT EXISTS module_migrations (
	id UUID PRIMARY KEY,
	module_name VARCHAR(64) NOT NULL,
	version VARCHAR(32) NOT NULL,
	migration_name VARCHAR(255) NOT NULL,
	migration_type VARCHAR(16) NOT NULL,
	operations JSONB,
	rollback_sql TEXT,
	status VARCHAR(16) NOT NULL DEFAULT 'pending',
	error TEXT,
	duration_ms BIGINT,
	applied_at TIMESTAMP WITH TIME ZONE,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (module_name, migration_name)
);
CREATE INDEX IF NOT EXISTS idx_module_migrations_module ON module_migrations (module_name);
CREATE INDEX IF NOT EXISTS idx_module_migrations_status ON module_migrations (status)`

// EnsureTable creates the ledger table and its indexes if needed.
func (l *Ledger) EnsureTable(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createLedgerTableSQL); err != nil {
		return fmt.Errorf("create migration ledger table: %w", err)
	}
	return nil
}

// Insert writes a new pending record and fills in its ID and CreatedAt.
func (l *Ledger) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	rec.CreatedAt = time.Now().UTC()

	opsJSON, err := json.Marshal(rec.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO module_migrations
			(id, module_name, version, migration_name, migration_type,
			 operations, rollback_sql, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Module, rec.Version, rec.Name, string(rec.Type),
		opsJSON, rec.RollbackSQL, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert migration record: %w", err)
	}
	return nil
}

// MarkApplied transitions a record to applied with its duration.
func (l *Ledger) MarkApplied(ctx context.Context, id string, duration time.Duration) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		UPDATE module_migrations
		SET status = $1, applied_at = $2, duration_ms = $3
		WHERE id = $4`,
		string(StatusApplied), now, duration.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("mark migration applied: %w", err)
	}
	return nil
}

// MarkFailed transitions a record to failed with the error text.
func (l *Ledger) MarkFailed(ctx context.Context, id, errText string, duration time.Duration) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE module_migrations
		SET status = $1, error = $2, duration_ms = $3
		WHERE id = $4`,
		string(StatusFailed), errText, duration.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("mark migration failed: %w", err)
	}
	return nil
}

// MarkRolledBack transitions an applied record to rolled_back.
func (l *Ledger) MarkRolledBack(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE module_migrations SET status = $1 WHERE id = $2`,
		string(StatusRolledBack), id)
	if err != nil {
		return fmt.Errorf("mark migration rolled back: %w", err)
	}
	return nil
}

const selectRecordSQL = `
SELECT id, module_name, version, migration_name, migration_type,
       COALESCE(operations::text, '[]'), COALESCE(rollback_sql, ''),
       status, COALESCE(error, ''), COALESCE(duration_ms, 0),
       applied_at, created_at
FROM module_migrations`

// Get returns one record by module and migration name.
func (l *Ledger) Get(ctx context.Context, module, name string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		selectRecordSQL+` WHERE module_name = $1 AND migration_name = $2`,
		module, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &RecordNotFoundError{Module: module, Name: name}
	}
	return rec, err
}

// History lists a module's records, newest first.
func (l *Ledger) History(ctx context.Context, module string) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx,
		selectRecordSQL+` WHERE module_name = $1 ORDER BY created_at DESC`, module)
	if err != nil {
		return nil, fmt.Errorf("query migration history: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastApplied returns the most recently applied record for a module, or nil.
func (l *Ledger) LastApplied(ctx context.Context, module string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		selectRecordSQL+` WHERE module_name = $1 AND status = $2
		ORDER BY applied_at DESC LIMIT 1`,
		module, string(StatusApplied))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		opsJSON   string
		mtype     string
		status    string
		appliedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Module, &rec.Version, &rec.Name, &mtype,
		&opsJSON, &rec.RollbackSQL, &status, &rec.Error, &rec.DurationMS,
		&appliedAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Type = MigrationType(mtype)
	rec.Status = Status(status)
	if appliedAt.Valid {
		t := appliedAt.Time
		rec.AppliedAt = &t
	}
	if err := json.Unmarshal([]byte(opsJSON), &rec.Operations); err != nil {
		return nil, fmt.Errorf("decode operations of %s: %w", rec.Name, err)
	}
	return &rec, nil
}
