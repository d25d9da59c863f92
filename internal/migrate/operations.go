// Package migrate plans and executes schema changes for modules and keeps
// the migration ledger that records every attempt.
package migrate

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/vantagehq/vantage/internal/schema"
)

// OpType identifies one kind of schema operation.
type OpType string

const (
	OpCreateTable    OpType = "create_table"
	OpDropTable      OpType = "drop_table"
	OpAddColumn      OpType = "add_column"
	OpDropColumn     OpType = "drop_column"
	OpAlterColumn    OpType = "alter_column"
	OpRenameColumn   OpType = "rename_column"
	OpCreateIndex    OpType = "create_index"
	OpDropIndex      OpType = "drop_index"
	OpAddFK          OpType = "add_fk"
	OpDropConstraint OpType = "drop_constraint"
	OpComment        OpType = "comment"
)

// noRollbackPrefix marks rollback SQL that cannot be generated for a
// destructive operation. Executors skip these instead of running them.
const noRollbackPrefix = "--"

// Operation is one schema change with its forward SQL and, where one can be
// generated, the SQL that undoes it.
type Operation struct {
	Type        OpType         `json:"type"`
	Table       string         `json:"table"`
	Detail      map[string]any `json:"detail,omitempty"`
	SQL         string         `json:"sql"`
	RollbackSQL string         `json:"rollback_sql,omitempty"`
	Executed    bool           `json:"executed,omitempty"`
	Err         string         `json:"error,omitempty"`
}

// HasRollback reports whether the operation carries executable rollback SQL.
func (op *Operation) HasRollback() bool {
	sql := strings.TrimSpace(op.RollbackSQL)
	return sql != "" && !strings.HasPrefix(sql, noRollbackPrefix)
}

func quote(ident string) string { return pq.QuoteIdentifier(ident) }

// CreateTableOps renders a model into a create-table operation followed by
// its index operations. Foreign keys marked for deferred validation are
// returned separately so the caller can add them after every table exists.
func CreateTableOps(m *schema.Model) (ops []*Operation, deferred []*Operation) {
	table := m.TableName()
	state := schema.DesiredTable(m)

	var lines []string
	// Primary key columns lead, matching the column order conventions of
	// generated tables.
	ordered := make([]schema.ColumnState, 0, len(state.Columns))
	for _, c := range state.Columns {
		if contains(state.PrimaryKey, c.Name) {
			ordered = append(ordered, c)
		}
	}
	for _, c := range state.Columns {
		if !contains(state.PrimaryKey, c.Name) {
			ordered = append(ordered, c)
		}
	}
	for _, c := range ordered {
		lines = append(lines, "  "+columnDefSQL(c))
	}
	if len(state.PrimaryKey) > 0 {
		quoted := make([]string, len(state.PrimaryKey))
		for i, col := range state.PrimaryKey {
			quoted[i] = quote(col)
		}
		lines = append(lines, fmt.Sprintf("  PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	}
	for _, fk := range state.ForeignKeys {
		if fk.DeferValidation {
			deferred = append(deferred, AddFKOp(table, fk))
			continue
		}
		lines = append(lines, "  "+foreignKeySQL(fk))
	}

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", quote(table), strings.Join(lines, ",\n"))
	ops = append(ops, &Operation{
		Type:        OpCreateTable,
		Table:       table,
		Detail:      map[string]any{"columns": len(state.Columns)},
		SQL:         createSQL,
		RollbackSQL: fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(table)),
	})

	for _, idx := range state.Indexes {
		ops = append(ops, CreateIndexOp(table, idx))
	}
	return ops, deferred
}

func columnDefSQL(c schema.ColumnState) string {
	parts := []string{quote(c.Name), columnTypeSQL(c)}
	if c.Nullable {
		parts = append(parts, "NULL")
	} else {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT "+defaultExprSQL(c))
	}
	return strings.Join(parts, " ")
}

func columnTypeSQL(c schema.ColumnState) string {
	switch c.DataType {
	case "VARCHAR", "CHAR":
		if c.Length > 0 {
			return fmt.Sprintf("%s(%d)", c.DataType, c.Length)
		}
		return c.DataType
	case "NUMERIC":
		if c.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale)
		}
		return "NUMERIC"
	case "TIMESTAMP":
		return "TIMESTAMP WITH TIME ZONE"
	default:
		return c.DataType
	}
}

// defaultExprSQL quotes literal defaults and passes expression defaults
// through untouched.
func defaultExprSQL(c schema.ColumnState) string {
	d := c.Default
	switch strings.ToUpper(d) {
	case "CURRENT_TIMESTAMP", "NOW()", "CURRENT_DATE", "TRUE", "FALSE", "NULL":
		return strings.ToUpper(d)
	}
	if strings.HasSuffix(d, ")") && strings.Contains(d, "(") {
		return d
	}
	switch c.DataType {
	case "INTEGER", "BIGINT", "SMALLINT", "NUMERIC", "DOUBLE PRECISION", "REAL", "BOOLEAN":
		return d
	default:
		return pq.QuoteLiteral(d)
	}
}

func foreignKeySQL(fk schema.ForeignKey) string {
	sql := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
		quote(fk.Column), quote(fk.RefTable), quote(fk.RefColumn))
	if fk.OnDelete != "" {
		sql += " ON DELETE " + strings.ToUpper(fk.OnDelete)
	}
	return sql
}

// AddColumnOp adds a column. NOT NULL columns on existing tables must carry
// a default, otherwise the statement would fail on populated tables; the
// planner enforces that before calling here.
func AddColumnOp(table string, c schema.ColumnState) *Operation {
	return &Operation{
		Type:        OpAddColumn,
		Table:       table,
		Detail:      map[string]any{"column": c.Name, "type": columnTypeSQL(c)},
		SQL:         fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", quote(table), columnDefSQL(c)),
		RollbackSQL: fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", quote(table), quote(c.Name)),
	}
}

// DropColumnOp removes a column. There is no automatic way back.
func DropColumnOp(table, column string) *Operation {
	return &Operation{
		Type:        OpDropColumn,
		Table:       table,
		Detail:      map[string]any{"column": column},
		SQL:         fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", quote(table), quote(column)),
		RollbackSQL: fmt.Sprintf("%s cannot auto-rollback drop of column %s.%s", noRollbackPrefix, table, column),
	}
}

// DropTableOp removes a table. There is no automatic way back.
func DropTableOp(table string) *Operation {
	return &Operation{
		Type:        OpDropTable,
		Table:       table,
		SQL:         fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(table)),
		RollbackSQL: fmt.Sprintf("%s cannot auto-rollback drop of table %s", noRollbackPrefix, table),
	}
}

// AlterColumnOps renders one column diff into its ALTER statements, each
// with the statement that restores the previous attribute.
func AlterColumnOps(table string, cd schema.ColumnDiff) []*Operation {
	var ops []*Operation
	for _, change := range cd.Changes {
		switch change {
		case "type":
			ops = append(ops, &Operation{
				Type:   OpAlterColumn,
				Table:  table,
				Detail: map[string]any{"column": cd.Name, "from": columnTypeSQL(cd.From), "to": columnTypeSQL(cd.To)},
				SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
					quote(table), quote(cd.Name), columnTypeSQL(cd.To), quote(cd.Name), columnTypeSQL(cd.To)),
				RollbackSQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
					quote(table), quote(cd.Name), columnTypeSQL(cd.From), quote(cd.Name), columnTypeSQL(cd.From)),
			})
		case "nullable":
			set, unset := "DROP NOT NULL", "SET NOT NULL"
			if !cd.To.Nullable {
				set, unset = unset, set
			}
			ops = append(ops, &Operation{
				Type:        OpAlterColumn,
				Table:       table,
				Detail:      map[string]any{"column": cd.Name, "nullable": cd.To.Nullable},
				SQL:         fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", quote(table), quote(cd.Name), set),
				RollbackSQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", quote(table), quote(cd.Name), unset),
			})
		case "default":
			forward := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
				quote(table), quote(cd.Name), defaultExprSQL(cd.To))
			if cd.To.Default == "" {
				forward = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", quote(table), quote(cd.Name))
			}
			rollback := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", quote(table), quote(cd.Name))
			if cd.From.Default != "" {
				rollback = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
					quote(table), quote(cd.Name), defaultExprSQL(cd.From))
			}
			ops = append(ops, &Operation{
				Type:        OpAlterColumn,
				Table:       table,
				Detail:      map[string]any{"column": cd.Name, "default": cd.To.Default},
				SQL:         forward,
				RollbackSQL: rollback,
			})
		}
	}
	return ops
}

// RenameColumnOp renames a column; the rollback renames it back.
func RenameColumnOp(table, from, to string) *Operation {
	return &Operation{
		Type:        OpRenameColumn,
		Table:       table,
		Detail:      map[string]any{"from": from, "to": to},
		SQL:         fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quote(table), quote(from), quote(to)),
		RollbackSQL: fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quote(table), quote(to), quote(from)),
	}
}

// CreateIndexOp creates a secondary index.
func CreateIndexOp(table string, idx schema.Index) *Operation {
	name := idx.Name
	if name == "" {
		name = fmt.Sprintf("idx_%s_%s", table, strings.Join(idx.Columns, "_"))
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	quoted := make([]string, len(idx.Columns))
	for i, col := range idx.Columns {
		quoted[i] = quote(col)
	}
	return &Operation{
		Type:   OpCreateIndex,
		Table:  table,
		Detail: map[string]any{"index": name, "unique": idx.Unique},
		SQL: fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, quote(name), quote(table), strings.Join(quoted, ", ")),
		RollbackSQL: fmt.Sprintf("DROP INDEX IF EXISTS %s", quote(name)),
	}
}

// DropIndexOp drops an index. There is no automatic way back.
func DropIndexOp(table, name string) *Operation {
	return &Operation{
		Type:        OpDropIndex,
		Table:       table,
		Detail:      map[string]any{"index": name},
		SQL:         fmt.Sprintf("DROP INDEX IF EXISTS %s", quote(name)),
		RollbackSQL: fmt.Sprintf("%s cannot auto-rollback drop of index %s", noRollbackPrefix, name),
	}
}

// AddFKOp adds a foreign key as a named constraint.
func AddFKOp(table string, fk schema.ForeignKey) *Operation {
	name := fmt.Sprintf("fk_%s_%s", table, fk.Column)
	sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		quote(table), quote(name), quote(fk.Column), quote(fk.RefTable), quote(fk.RefColumn))
	if fk.OnDelete != "" {
		sql += " ON DELETE " + strings.ToUpper(fk.OnDelete)
	}
	return &Operation{
		Type:        OpAddFK,
		Table:       table,
		Detail:      map[string]any{"constraint": name, "references": fk.RefTable},
		SQL:         sql,
		RollbackSQL: fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", quote(table), quote(name)),
	}
}

// DropConstraintOp drops a named constraint. There is no automatic way back.
func DropConstraintOp(table, name string) *Operation {
	return &Operation{
		Type:        OpDropConstraint,
		Table:       table,
		Detail:      map[string]any{"constraint": name},
		SQL:         fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", quote(table), quote(name)),
		RollbackSQL: fmt.Sprintf("%s cannot auto-rollback drop of constraint %s", noRollbackPrefix, name),
	}
}

// CommentOp records a change that is deliberately not executed, such as a
// column removal the planner refuses to do automatically.
func CommentOp(table, text string) *Operation {
	return &Operation{
		Type:        OpComment,
		Table:       table,
		SQL:         noRollbackPrefix + " " + text,
		RollbackSQL: noRollbackPrefix + " no-op",
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
