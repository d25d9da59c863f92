package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Inspector reads the live shape of tables out of the database catalog and
// normalizes it for comparison against declared models.
type Inspector struct {
	db *sql.DB
}

// NewInspector creates an Inspector over an open database handle.
func NewInspector(db *sql.DB) *Inspector {
	return &Inspector{db: db}
}

const tableExistsQuery = `
SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = 'public' AND table_name = $1
)`

// TableExists reports whether the named table exists in the public schema.
func (in *Inspector) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	if err := in.db.QueryRowContext(ctx, tableExistsQuery, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

const tableNamesQuery = `
SELECT table_name FROM information_schema.tables
WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
ORDER BY table_name`

// TableNames lists every base table in the public schema.
func (in *Inspector) TableNames(ctx context.Context) ([]string, error) {
	rows, err := in.db.QueryContext(ctx, tableNamesQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const columnsQuery = `
SELECT column_name, data_type,
       COALESCE(character_maximum_length, 0),
       COALESCE(numeric_precision, 0),
       COALESCE(numeric_scale, 0),
       is_nullable,
       COALESCE(column_default, '')
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`

const primaryKeyQuery = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
WHERE tc.table_schema = 'public'
  AND tc.table_name = $1
  AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.ordinal_position`

const foreignKeysQuery = `
SELECT kcu.column_name, ccu.table_name, ccu.column_name, rc.delete_rule
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.table_schema = tc.table_schema
JOIN information_schema.referential_constraints rc
  ON rc.constraint_name = tc.constraint_name
 AND rc.constraint_schema = tc.table_schema
WHERE tc.table_schema = 'public'
  AND tc.table_name = $1
  AND tc.constraint_type = 'FOREIGN KEY'
ORDER BY kcu.column_name`

const indexesQuery = `
SELECT i.relname, a.attname, ix.indisunique
FROM pg_class t
JOIN pg_index ix ON t.oid = ix.indrelid
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
WHERE t.relname = $1 AND NOT ix.indisprimary
ORDER BY i.relname, a.attnum`

// TableSchema introspects one table and returns its normalized state.
// A missing table returns (nil, nil).
func (in *Inspector) TableSchema(ctx context.Context, table string) (*TableState, error) {
	exists, err := in.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	state := &TableState{Name: table}

	rows, err := in.db.QueryContext(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("introspect columns of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			col      ColumnState
			dataType string
			nullable string
		)
		if err := rows.Scan(&col.Name, &dataType, &col.Length, &col.Precision,
			&col.Scale, &nullable, &col.Default); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		col.DataType = NormalizeType(dataType)
		col.Nullable = strings.EqualFold(nullable, "YES")
		if col.DataType != "NUMERIC" {
			col.Precision, col.Scale = 0, 0
		}
		state.Columns = append(state.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}

	if state.PrimaryKey, err = in.primaryKey(ctx, table); err != nil {
		return nil, err
	}
	if state.ForeignKeys, err = in.foreignKeys(ctx, table); err != nil {
		return nil, err
	}
	if state.Indexes, err = in.indexes(ctx, table); err != nil {
		return nil, err
	}
	return state, nil
}

func (in *Inspector) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := in.db.QueryContext(ctx, primaryKeyQuery, table)
	if err != nil {
		return nil, fmt.Errorf("introspect primary key of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key of %s: %w", table, err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (in *Inspector) foreignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	rows, err := in.db.QueryContext(ctx, foreignKeysQuery, table)
	if err != nil {
		return nil, fmt.Errorf("introspect foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn, &fk.OnDelete); err != nil {
			return nil, fmt.Errorf("scan foreign key of %s: %w", table, err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func (in *Inspector) indexes(ctx context.Context, table string) ([]Index, error) {
	rows, err := in.db.QueryContext(ctx, indexesQuery, table)
	if err != nil {
		return nil, fmt.Errorf("introspect indexes of %s: %w", table, err)
	}
	defer rows.Close()

	byName := map[string]*Index{}
	var order []string
	for rows.Next() {
		var (
			name, col string
			unique    bool
		)
		if err := rows.Scan(&name, &col, &unique); err != nil {
			return nil, fmt.Errorf("scan index of %s: %w", table, err)
		}
		idx, ok := byName[name]
		if !ok {
			idx = &Index{Name: name, Unique: unique}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}

	sort.Strings(order)
	out := make([]Index, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

// CompareTable introspects a table and diffs it against a model. The diff for
// a missing table is a full create.
func (in *Inspector) CompareTable(ctx context.Context, m *Model) (*TableDiff, error) {
	desired := DesiredTable(m)
	current, err := in.TableSchema(ctx, desired.Name)
	if err != nil {
		return nil, err
	}
	return Compare(current, desired), nil
}
