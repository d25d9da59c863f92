package migrate

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerInsertFillsDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO module_migrations")).
		WithArgs(sqlmock.AnyArg(), "crm", "1.0", "20260826120000_schema", "schema",
			sqlmock.AnyArg(), "", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &Record{
		Module:  "crm",
		Version: "1.0",
		Name:    "20260826120000_schema",
		Type:    TypeSchema,
	}
	ledger := NewLedger(db)
	require.NoError(t, ledger.Insert(context.Background(), rec))

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStatusTransitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE module_migrations")).
		WithArgs("applied", sqlmock.AnyArg(), int64(1500), "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ledger.MarkApplied(context.Background(), "rec-1", 1500*time.Millisecond))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE module_migrations")).
		WithArgs("failed", "boom", int64(20), "rec-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ledger.MarkFailed(context.Background(), "rec-2", "boom", 20*time.Millisecond))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE module_migrations")).
		WithArgs("rolled_back", "rec-3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ledger.MarkRolledBack(context.Background(), "rec-3"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func recordRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "module_name", "version", "migration_name", "migration_type",
		"operations", "rollback_sql", "status", "error", "duration_ms",
		"applied_at", "created_at",
	})
}

func TestLedgerGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	applied := time.Now().UTC()
	mock.ExpectQuery("FROM module_migrations").
		WithArgs("crm", "20260826120000_schema").
		WillReturnRows(recordRows().AddRow(
			"rec-1", "crm", "1.0", "20260826120000_schema", "schema",
			`[{"type":"create_table","table":"leads","sql":"CREATE"}]`,
			"DROP TABLE leads", "applied", "", int64(42), applied, applied))

	ledger := NewLedger(db)
	rec, err := ledger.Get(context.Background(), "crm", "20260826120000_schema")
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, rec.Status)
	assert.Equal(t, TypeSchema, rec.Type)
	require.Len(t, rec.Operations, 1)
	assert.Equal(t, OpCreateTable, rec.Operations[0].Type)
	require.NotNil(t, rec.AppliedAt)
}

func TestLedgerGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM module_migrations").
		WithArgs("crm", "ghost").
		WillReturnRows(recordRows())

	ledger := NewLedger(db)
	_, err = ledger.Get(context.Background(), "crm", "ghost")

	var notFound *RecordNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "crm", notFound.Module)
}

func TestLedgerLastAppliedNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM module_migrations").
		WithArgs("crm", "applied").
		WillReturnRows(recordRows())

	ledger := NewLedger(db)
	rec, err := ledger.LastApplied(context.Background(), "crm")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLedgerHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("FROM module_migrations").
		WithArgs("crm").
		WillReturnRows(recordRows().
			AddRow("rec-2", "crm", "1.1", "b_schema", "schema", "[]", "", "failed", "boom", int64(5), nil, now).
			AddRow("rec-1", "crm", "1.0", "a_initial", "initial", "[]", "", "applied", "", int64(40), now, now))

	ledger := NewLedger(db)
	records, err := ledger.History(context.Background(), "crm")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, "boom", records[0].Error)
	assert.Nil(t, records[0].AppliedAt)
}
