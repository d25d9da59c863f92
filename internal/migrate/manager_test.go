package migrate

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/internal/schema"
)

func TestPlanCreateOrdersByForeignKeys(t *testing.T) {
	mg := NewManager(nil, nil)

	leads := &schema.Model{
		Name:    "Lead",
		Table:   "leads",
		Columns: []schema.Column{{Name: "id", Type: "UUID", PrimaryKey: true}},
		ForeignKeys: []schema.ForeignKey{
			{Column: "partner_id", RefTable: "partners", RefColumn: "id"},
		},
	}
	partners := partnerModel()

	ops, err := mg.PlanCreate([]*schema.Model{leads, partners}, nil)
	require.NoError(t, err)

	var tables []string
	for _, op := range ops {
		if op.Type == OpCreateTable {
			tables = append(tables, op.Table)
		}
	}
	assert.Equal(t, []string{"partners", "leads"}, tables)
}

func TestPlanCreateRejectsFKCycle(t *testing.T) {
	mg := NewManager(nil, nil)

	a := &schema.Model{
		Name: "A", Table: "a",
		Columns:     []schema.Column{{Name: "id", Type: "UUID", PrimaryKey: true}},
		ForeignKeys: []schema.ForeignKey{{Column: "b_id", RefTable: "b", RefColumn: "id"}},
	}
	b := &schema.Model{
		Name: "B", Table: "b",
		Columns:     []schema.Column{{Name: "id", Type: "UUID", PrimaryKey: true}},
		ForeignKeys: []schema.ForeignKey{{Column: "a_id", RefTable: "a", RefColumn: "id"}},
	}

	_, err := mg.PlanCreate([]*schema.Model{a, b}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	// Deferring one side breaks the cycle.
	b.ForeignKeys[0].DeferValidation = true
	ops, err := mg.PlanCreate([]*schema.Model{a, b}, nil)
	require.NoError(t, err)
	last := ops[len(ops)-1]
	assert.Equal(t, OpAddFK, last.Type)
}

func TestPlanUpgradeNeverDropsColumns(t *testing.T) {
	mg := NewManager(nil, nil)
	plan := mg.PlanUpgrade([]*schema.TableDiff{{
		Table:           "leads",
		ColumnsToRemove: []string{"legacy_code"},
	}})

	require.Len(t, plan.Ops, 1)
	assert.Equal(t, OpComment, plan.Ops[0].Type)
	assert.True(t, strings.HasPrefix(plan.Ops[0].SQL, "--"))
	assert.Empty(t, plan.Skipped)
}

func TestPlanUpgradeSkipsNonAutoMigratable(t *testing.T) {
	mg := NewManager(nil, nil)
	plan := mg.PlanUpgrade([]*schema.TableDiff{{
		Table: "leads",
		ColumnsToModify: []schema.ColumnDiff{
			{
				Name:    "score",
				From:    schema.ColumnState{Name: "score", DataType: "BIGINT"},
				To:      schema.ColumnState{Name: "score", DataType: "INTEGER"},
				Changes: []string{"type"},
			},
			{
				Name:    "count",
				From:    schema.ColumnState{Name: "count", DataType: "INTEGER"},
				To:      schema.ColumnState{Name: "count", DataType: "BIGINT"},
				Changes: []string{"type"},
			},
		},
	}})

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "score", plan.Skipped[0].Column)
	require.Len(t, plan.Ops, 1)
	assert.Contains(t, plan.Ops[0].SQL, `"count" TYPE BIGINT`)
}

func TestPlanUpgradeSkipsNotNullWithoutDefault(t *testing.T) {
	mg := NewManager(nil, nil)
	plan := mg.PlanUpgrade([]*schema.TableDiff{{
		Table: "leads",
		ColumnsToAdd: []schema.ColumnState{
			{Name: "required_code", DataType: "VARCHAR", Length: 10},
			{Name: "optional_note", DataType: "TEXT", Nullable: true},
		},
	}})

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "required_code", plan.Skipped[0].Column)
	require.Len(t, plan.Ops, 1)
	assert.Contains(t, plan.Ops[0].SQL, "optional_note")
}

func TestExecuteAppliesInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ops := []*Operation{
		{Type: OpCreateTable, Table: "a", SQL: "CREATE TABLE a ()", RollbackSQL: "DROP TABLE a"},
		{Type: OpComment, Table: "a", SQL: "-- note"},
		{Type: OpAddColumn, Table: "a", SQL: "ALTER TABLE a ADD b INTEGER", RollbackSQL: "ALTER TABLE a DROP b"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a ()")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE a ADD b INTEGER")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mg := NewManager(db, nil)
	require.NoError(t, mg.Execute(context.Background(), ops))
	assert.True(t, ops[0].Executed)
	assert.True(t, ops[1].Executed, "comment op is recorded as executed without running")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCompensatesInReverseOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ops := []*Operation{
		{Type: OpCreateTable, Table: "a", SQL: "CREATE TABLE a ()", RollbackSQL: "DROP TABLE a"},
		{Type: OpCreateIndex, Table: "a", SQL: "CREATE INDEX ia ON a (x)", RollbackSQL: "DROP INDEX ia"},
		{Type: OpDropColumn, Table: "a", SQL: "BROKEN SQL", RollbackSQL: "-- cannot auto-rollback"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a ()")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX ia ON a (x)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("BROKEN SQL")).WillReturnError(assert.AnError)
	mock.ExpectRollback()
	// Compensating statements replay outside the transaction, newest first.
	mock.ExpectExec(regexp.QuoteMeta("DROP INDEX ia")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE a")).WillReturnResult(sqlmock.NewResult(0, 0))

	mg := NewManager(db, nil)
	err = mg.Execute(context.Background(), ops)
	require.Error(t, err)
	assert.NotEmpty(t, ops[2].Err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteEmptyPlanIsNoOp(t *testing.T) {
	mg := NewManager(nil, nil)
	assert.NoError(t, mg.Execute(context.Background(), nil))
}

func TestDropOrderDependentsFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// leads references partners, so leads must drop first.
	expectTableState(mock, "leads", []schema.ForeignKey{{Column: "partner_id", RefTable: "partners", RefColumn: "id"}})
	expectTableState(mock, "partners", nil)

	mg := NewManager(db, nil)
	order := mg.DropOrder(context.Background(), schema.NewInspector(db), []string{"leads", "partners"})
	assert.Equal(t, []string{"leads", "partners"}, order)
}

func expectTableState(mock sqlmock.Sqlmock, table string, fks []schema.ForeignKey) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(table).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("information_schema.columns").
		WithArgs(table).
		WillReturnRows(sqlmock.NewRows([]string{
			"column_name", "data_type", "length", "precision", "scale", "is_nullable", "default",
		}).AddRow("id", "uuid", 0, 0, 0, "NO", ""))
	mock.ExpectQuery("PRIMARY KEY").
		WithArgs(table).
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))
	fkRows := sqlmock.NewRows([]string{"column_name", "table_name", "ref_column", "delete_rule"})
	for _, fk := range fks {
		fkRows.AddRow(fk.Column, fk.RefTable, fk.RefColumn, "NO ACTION")
	}
	mock.ExpectQuery("FOREIGN KEY").
		WithArgs(table).
		WillReturnRows(fkRows)
	mock.ExpectQuery("pg_index").
		WithArgs(table).
		WillReturnRows(sqlmock.NewRows([]string{"relname", "attname", "indisunique"}))
}
