package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/internal/schema"
)

func strPtr(s string) *string { return &s }

func partnerModel() *schema.Model {
	return &schema.Model{
		Name:  "Partner",
		Table: "partners",
		Columns: []schema.Column{
			{Name: "id", Type: "UUID", PrimaryKey: true},
			{Name: "name", Type: "VARCHAR", Length: 128},
			{Name: "active", Type: "BOOLEAN", Default: strPtr("TRUE")},
		},
	}
}

func TestCreateTableOps(t *testing.T) {
	m := &schema.Model{
		Name:  "Lead",
		Table: "leads",
		Columns: []schema.Column{
			{Name: "title", Type: "VARCHAR", Length: 200},
			{Name: "id", Type: "UUID", PrimaryKey: true},
		},
		Indexes: []schema.Index{{Columns: []string{"title"}}},
		ForeignKeys: []schema.ForeignKey{
			{Column: "partner_id", RefTable: "partners", RefColumn: "id", OnDelete: "cascade"},
			{Column: "parent_id", RefTable: "leads", RefColumn: "id", DeferValidation: true},
		},
	}

	ops, deferred := CreateTableOps(m)
	require.Len(t, ops, 2)
	require.Len(t, deferred, 1)

	create := ops[0]
	assert.Equal(t, OpCreateTable, create.Type)
	assert.Contains(t, create.SQL, `CREATE TABLE IF NOT EXISTS "leads"`)
	assert.Contains(t, create.SQL, `PRIMARY KEY ("id")`)
	assert.Contains(t, create.SQL, `FOREIGN KEY ("partner_id") REFERENCES "partners" ("id") ON DELETE CASCADE`)
	assert.NotContains(t, create.SQL, "parent_id\") REFERENCES", "deferred FK must not be inline")
	assert.Equal(t, `DROP TABLE IF EXISTS "leads"`, create.RollbackSQL)

	// Primary key column leads the column list.
	idIdx := strings.Index(create.SQL, `"id" UUID`)
	titleIdx := strings.Index(create.SQL, `"title" VARCHAR(200)`)
	require.GreaterOrEqual(t, idIdx, 0)
	require.GreaterOrEqual(t, titleIdx, 0)
	assert.Less(t, idIdx, titleIdx)

	idx := ops[1]
	assert.Equal(t, OpCreateIndex, idx.Type)
	assert.Contains(t, idx.SQL, `CREATE INDEX IF NOT EXISTS "idx_leads_title" ON "leads" ("title")`)

	fk := deferred[0]
	assert.Equal(t, OpAddFK, fk.Type)
	assert.Contains(t, fk.SQL, `ADD CONSTRAINT "fk_leads_parent_id"`)
	assert.True(t, fk.HasRollback())
}

func TestAddColumnOp(t *testing.T) {
	op := AddColumnOp("leads", schema.ColumnState{
		Name: "score", DataType: "INTEGER", Nullable: true,
	})
	assert.Equal(t, `ALTER TABLE "leads" ADD COLUMN IF NOT EXISTS "score" INTEGER NULL`, op.SQL)
	assert.Equal(t, `ALTER TABLE "leads" DROP COLUMN IF EXISTS "score"`, op.RollbackSQL)
	assert.True(t, op.HasRollback())
}

func TestAddColumnOpQuotesStringDefault(t *testing.T) {
	op := AddColumnOp("leads", schema.ColumnState{
		Name: "status", DataType: "VARCHAR", Length: 20, Default: "new",
	})
	assert.Contains(t, op.SQL, `DEFAULT 'new'`)
}

func TestDestructiveOpsHaveNoRollback(t *testing.T) {
	for _, op := range []*Operation{
		DropColumnOp("leads", "score"),
		DropTableOp("leads"),
		DropIndexOp("leads", "idx_leads_title"),
		DropConstraintOp("leads", "fk_leads_partner_id"),
	} {
		assert.False(t, op.HasRollback(), "%s must not pretend to be reversible", op.Type)
		assert.True(t, strings.HasPrefix(op.RollbackSQL, "--"))
	}
}

func TestAlterColumnOps(t *testing.T) {
	cd := schema.ColumnDiff{
		Name:    "score",
		From:    schema.ColumnState{Name: "score", DataType: "INTEGER", Nullable: true},
		To:      schema.ColumnState{Name: "score", DataType: "BIGINT", Nullable: false},
		Changes: []string{"type", "nullable"},
	}
	ops := AlterColumnOps("leads", cd)
	require.Len(t, ops, 2)

	assert.Equal(t, `ALTER TABLE "leads" ALTER COLUMN "score" TYPE BIGINT USING "score"::BIGINT`, ops[0].SQL)
	assert.Equal(t, `ALTER TABLE "leads" ALTER COLUMN "score" TYPE INTEGER USING "score"::INTEGER`, ops[0].RollbackSQL)

	assert.Equal(t, `ALTER TABLE "leads" ALTER COLUMN "score" SET NOT NULL`, ops[1].SQL)
	assert.Equal(t, `ALTER TABLE "leads" ALTER COLUMN "score" DROP NOT NULL`, ops[1].RollbackSQL)
}

func TestAlterColumnDefaultOps(t *testing.T) {
	set := AlterColumnOps("leads", schema.ColumnDiff{
		Name:    "status",
		From:    schema.ColumnState{Name: "status", DataType: "VARCHAR", Length: 20},
		To:      schema.ColumnState{Name: "status", DataType: "VARCHAR", Length: 20, Default: "new"},
		Changes: []string{"default"},
	})
	require.Len(t, set, 1)
	assert.Contains(t, set[0].SQL, `SET DEFAULT 'new'`)
	assert.Contains(t, set[0].RollbackSQL, "DROP DEFAULT")

	unset := AlterColumnOps("leads", schema.ColumnDiff{
		Name:    "status",
		From:    schema.ColumnState{Name: "status", DataType: "VARCHAR", Length: 20, Default: "new"},
		To:      schema.ColumnState{Name: "status", DataType: "VARCHAR", Length: 20},
		Changes: []string{"default"},
	})
	require.Len(t, unset, 1)
	assert.Contains(t, unset[0].SQL, "DROP DEFAULT")
	assert.Contains(t, unset[0].RollbackSQL, `SET DEFAULT 'new'`)
}

func TestRenameColumnOpIsReversible(t *testing.T) {
	op := RenameColumnOp("leads", "title", "subject")
	assert.Equal(t, `ALTER TABLE "leads" RENAME COLUMN "title" TO "subject"`, op.SQL)
	assert.Equal(t, `ALTER TABLE "leads" RENAME COLUMN "subject" TO "title"`, op.RollbackSQL)
}

func TestQuotingDefeatsInjection(t *testing.T) {
	op := DropTableOp(`leads"; DROP TABLE users; --`)
	assert.Contains(t, op.SQL, `"leads""; DROP TABLE users; --"`)
}

func TestCombineRollbackSQL(t *testing.T) {
	ops := []*Operation{
		{Type: OpCreateTable, Table: "a", RollbackSQL: `DROP TABLE IF EXISTS "a"`},
		{Type: OpDropColumn, Table: "a", RollbackSQL: "-- cannot auto-rollback drop of column a.x"},
		{Type: OpAddColumn, Table: "a", RollbackSQL: `ALTER TABLE "a" DROP COLUMN IF EXISTS "y"`},
	}
	combined := CombineRollbackSQL(ops)

	// Reverse order, comment placeholder skipped.
	lines := strings.Split(combined, ";\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `ALTER TABLE "a" DROP COLUMN IF EXISTS "y"`, lines[0])
	assert.Equal(t, `DROP TABLE IF EXISTS "a"`, lines[1])
}
