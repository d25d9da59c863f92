package schema

import (
	"fmt"
	"sort"
	"strings"
)

// TableDiff captures what must change to move one table from its current
// shape to the desired one. A nil current table produces a create diff that
// lists every desired column as an addition.
type TableDiff struct {
	Table           string        `json:"table"`
	CreateTable     bool          `json:"create_table,omitempty"`
	ColumnsToAdd    []ColumnState `json:"columns_to_add,omitempty"`
	ColumnsToRemove []string      `json:"columns_to_remove,omitempty"`
	ColumnsToModify []ColumnDiff  `json:"columns_to_modify,omitempty"`
	IndexesToAdd    []Index       `json:"indexes_to_add,omitempty"`
	IndexesToRemove []string      `json:"indexes_to_remove,omitempty"`
	FKsToAdd        []ForeignKey  `json:"fks_to_add,omitempty"`
	FKsToRemove     []string      `json:"fks_to_remove,omitempty"`
}

// Empty reports whether the diff requires no work.
func (d *TableDiff) Empty() bool {
	return !d.CreateTable &&
		len(d.ColumnsToAdd) == 0 &&
		len(d.ColumnsToRemove) == 0 &&
		len(d.ColumnsToModify) == 0 &&
		len(d.IndexesToAdd) == 0 &&
		len(d.IndexesToRemove) == 0 &&
		len(d.FKsToAdd) == 0 &&
		len(d.FKsToRemove) == 0
}

// ColumnDiff describes an in-place column change. Changes lists which
// attributes differ: "type", "nullable", "default".
type ColumnDiff struct {
	Name    string      `json:"name"`
	From    ColumnState `json:"from"`
	To      ColumnState `json:"to"`
	Changes []string    `json:"changes"`
}

// DesiredTable derives the normalized table shape a model calls for.
func DesiredTable(m *Model) *TableState {
	state := &TableState{Name: m.TableName()}
	for _, c := range m.Columns {
		cs := ColumnState{
			Name:      c.Name,
			DataType:  NormalizeType(c.Type),
			Precision: c.Precision,
			Scale:     c.Scale,
			Nullable:  c.Nullable,
		}
		if cs.DataType == "VARCHAR" || cs.DataType == "CHAR" {
			cs.Length = c.Length
			if cs.Length == 0 && cs.DataType == "VARCHAR" {
				cs.Length = 255
			}
		}
		if c.Default != nil {
			cs.Default = *c.Default
		}
		if c.PrimaryKey {
			cs.Nullable = false
			state.PrimaryKey = append(state.PrimaryKey, c.Name)
		}
		state.Columns = append(state.Columns, cs)
	}
	for _, idx := range m.Indexes {
		state.Indexes = append(state.Indexes, idx)
	}
	for _, c := range m.Columns {
		if c.Index && !c.PrimaryKey {
			state.Indexes = append(state.Indexes, Index{
				Name:    fmt.Sprintf("idx_%s_%s", state.Name, c.Name),
				Columns: []string{c.Name},
				Unique:  c.Unique,
			})
		}
	}
	state.ForeignKeys = append(state.ForeignKeys, m.ForeignKeys...)
	return state
}

// Compare diffs the current table state against the desired one. A nil
// current state means the table does not exist: the diff marks a full create
// and returns without inspecting indexes or foreign keys, since those ship
// with the CREATE TABLE.
func Compare(current, desired *TableState) *TableDiff {
	diff := &TableDiff{Table: desired.Name}

	if current == nil {
		diff.CreateTable = true
		diff.ColumnsToAdd = append(diff.ColumnsToAdd, desired.Columns...)
		return diff
	}

	currentCols := make(map[string]ColumnState, len(current.Columns))
	for _, c := range current.Columns {
		currentCols[c.Name] = c
	}
	desiredCols := make(map[string]ColumnState, len(desired.Columns))
	for _, c := range desired.Columns {
		desiredCols[c.Name] = c
	}

	for _, want := range desired.Columns {
		have, ok := currentCols[want.Name]
		if !ok {
			diff.ColumnsToAdd = append(diff.ColumnsToAdd, want)
			continue
		}
		if cd := compareColumns(have, want); cd != nil {
			diff.ColumnsToModify = append(diff.ColumnsToModify, *cd)
		}
	}
	for _, have := range current.Columns {
		if _, ok := desiredCols[have.Name]; !ok {
			diff.ColumnsToRemove = append(diff.ColumnsToRemove, have.Name)
		}
	}
	sort.Strings(diff.ColumnsToRemove)

	diffIndexes(diff, current, desired)
	diffForeignKeys(diff, current, desired)
	return diff
}

func compareColumns(have, want ColumnState) *ColumnDiff {
	var changes []string

	if !sameType(have, want) {
		changes = append(changes, "type")
	}
	if have.Nullable != want.Nullable {
		changes = append(changes, "nullable")
	}
	if !sameDefault(have.Default, want.Default) {
		changes = append(changes, "default")
	}

	if len(changes) == 0 {
		return nil
	}
	return &ColumnDiff{Name: want.Name, From: have, To: want, Changes: changes}
}

func sameType(have, want ColumnState) bool {
	if have.DataType != want.DataType {
		return false
	}
	switch have.DataType {
	case "VARCHAR", "CHAR":
		return have.Length == want.Length
	case "NUMERIC":
		// An undeclared precision accepts whatever the database reports.
		if want.Precision == 0 {
			return true
		}
		return have.Precision == want.Precision && have.Scale == want.Scale
	}
	return true
}

// sameDefault compares defaults loosely: introspected defaults carry casts
// ('x'::character varying) and sequence expressions that declarations omit.
func sameDefault(have, want string) bool {
	if want == "" {
		return true
	}
	h := strings.ToLower(strings.TrimSpace(have))
	w := strings.ToLower(strings.TrimSpace(want))
	if idx := strings.Index(h, "::"); idx >= 0 {
		h = strings.TrimSpace(h[:idx])
	}
	h = strings.Trim(h, "'")
	w = strings.Trim(w, "'")
	return h == w
}

func diffIndexes(diff *TableDiff, current, desired *TableState) {
	currentKeys := make(map[string]Index, len(current.Indexes))
	for _, idx := range current.Indexes {
		currentKeys[idx.Key()] = idx
	}
	desiredKeys := make(map[string]Index, len(desired.Indexes))
	for _, idx := range desired.Indexes {
		desiredKeys[idx.Key()] = idx
	}
	for key, idx := range desiredKeys {
		if _, ok := currentKeys[key]; !ok {
			diff.IndexesToAdd = append(diff.IndexesToAdd, idx)
		}
	}
	for key, idx := range currentKeys {
		if _, ok := desiredKeys[key]; !ok {
			diff.IndexesToRemove = append(diff.IndexesToRemove, idx.Name)
		}
	}
	sort.Slice(diff.IndexesToAdd, func(i, j int) bool {
		return diff.IndexesToAdd[i].Key() < diff.IndexesToAdd[j].Key()
	})
	sort.Strings(diff.IndexesToRemove)
}

func diffForeignKeys(diff *TableDiff, current, desired *TableState) {
	currentKeys := make(map[string]ForeignKey, len(current.ForeignKeys))
	for _, fk := range current.ForeignKeys {
		currentKeys[fk.Key()] = fk
	}
	for _, fk := range desired.ForeignKeys {
		if _, ok := currentKeys[fk.Key()]; !ok {
			diff.FKsToAdd = append(diff.FKsToAdd, fk)
		}
	}
	desiredKeys := make(map[string]bool, len(desired.ForeignKeys))
	for _, fk := range desired.ForeignKeys {
		desiredKeys[fk.Key()] = true
	}
	for key := range currentKeys {
		if !desiredKeys[key] {
			diff.FKsToRemove = append(diff.FKsToRemove, key)
		}
	}
	sort.Slice(diff.FKsToAdd, func(i, j int) bool {
		return diff.FKsToAdd[i].Key() < diff.FKsToAdd[j].Key()
	})
	sort.Strings(diff.FKsToRemove)
}

// safeWidenings are the type conversions the database performs without risk
// of data loss, keyed by normalized (from, to) pairs.
var safeWidenings = map[[2]string]bool{
	{"SMALLINT", "INTEGER"}:      true,
	{"SMALLINT", "BIGINT"}:       true,
	{"INTEGER", "BIGINT"}:        true,
	{"REAL", "DOUBLE PRECISION"}: true,
	{"VARCHAR", "TEXT"}:          true,
	{"CHAR", "TEXT"}:             true,
	{"JSON", "JSONB"}:            true,
}

// AutoMigratable reports whether the change from one column state to another
// can be applied automatically, and if not, why.
func AutoMigratable(from, to ColumnState) (bool, string) {
	if from.DataType == to.DataType {
		if from.DataType == "VARCHAR" || from.DataType == "CHAR" {
			if to.Length >= from.Length {
				return true, ""
			}
			return false, fmt.Sprintf("shrinking %s(%d) to %s(%d) may truncate data",
				from.DataType, from.Length, to.DataType, to.Length)
		}
		if from.DataType == "NUMERIC" && to.Precision > 0 && to.Precision < from.Precision {
			return false, fmt.Sprintf("reducing NUMERIC precision from %d to %d may lose data",
				from.Precision, to.Precision)
		}
		return true, ""
	}
	if safeWidenings[[2]string{from.DataType, to.DataType}] {
		return true, ""
	}
	return false, fmt.Sprintf("conversion from %s to %s requires a manual migration",
		from.DataType, to.DataType)
}
