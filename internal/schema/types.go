// Package schema defines the data-model descriptors modules declare,
// live-database introspection, and the structural diff between the two.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Model describes one table a module owns. Models are declared in a module's
// schema files or returned by its registered provider.
type Model struct {
	Name        string       `yaml:"name" json:"name"`
	Table       string       `yaml:"table,omitempty" json:"table"`
	Columns     []Column     `yaml:"columns" json:"columns"`
	Indexes     []Index      `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty" json:"foreign_keys,omitempty"`
}

// TableName returns the explicit table name or the snake_cased model name.
func (m *Model) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	return ToSnakeCase(m.Name)
}

// Column describes a single column of a model.
type Column struct {
	Name       string  `yaml:"name" json:"name"`
	Type       string  `yaml:"type" json:"type"`
	Length     int     `yaml:"length,omitempty" json:"length,omitempty"`
	Precision  int     `yaml:"precision,omitempty" json:"precision,omitempty"`
	Scale      int     `yaml:"scale,omitempty" json:"scale,omitempty"`
	Nullable   bool    `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Default    *string `yaml:"default,omitempty" json:"default,omitempty"`
	PrimaryKey bool    `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Unique     bool    `yaml:"unique,omitempty" json:"unique,omitempty"`
	Index      bool    `yaml:"index,omitempty" json:"index,omitempty"`
}

// SQLType renders the column type with its length or precision arguments.
func (c *Column) SQLType() string {
	base := NormalizeType(c.Type)
	switch {
	case base == "VARCHAR" || base == "CHAR":
		if c.Length > 0 {
			return fmt.Sprintf("%s(%d)", base, c.Length)
		}
		if base == "VARCHAR" {
			return "VARCHAR(255)"
		}
		return base
	case base == "NUMERIC" && c.Precision > 0:
		return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale)
	default:
		return base
	}
}

// Index describes a secondary index on a model.
type Index struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Columns []string `yaml:"columns" json:"columns"`
	Unique  bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// Key returns the structural identity of the index: column set plus
// uniqueness, independent of the index name.
func (i *Index) Key() string {
	u := ""
	if i.Unique {
		u = " UNIQUE"
	}
	return strings.Join(i.Columns, ",") + u
}

// ForeignKey describes a reference from one column to another table.
// DeferValidation marks references that must be added after table creation,
// which is how reference cycles are broken.
type ForeignKey struct {
	Column          string `yaml:"column" json:"column"`
	RefTable        string `yaml:"ref_table" json:"ref_table"`
	RefColumn       string `yaml:"ref_column" json:"ref_column"`
	OnDelete        string `yaml:"on_delete,omitempty" json:"on_delete,omitempty"`
	DeferValidation bool   `yaml:"defer_validation,omitempty" json:"defer_validation,omitempty"`
}

// Key returns the structural identity of the foreign key.
func (fk *ForeignKey) Key() string {
	return fmt.Sprintf("%s->%s.%s", fk.Column, fk.RefTable, fk.RefColumn)
}

// TableState is the normalized shape of a table, either introspected from the
// database or derived from a declared Model.
type TableState struct {
	Name        string        `json:"name"`
	Columns     []ColumnState `json:"columns"`
	Indexes     []Index       `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey  `json:"foreign_keys,omitempty"`
	PrimaryKey  []string      `json:"primary_key,omitempty"`
}

// Column returns the named column state, or nil.
func (t *TableState) Column(name string) *ColumnState {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnState is a column with its type normalized for comparison.
type ColumnState struct {
	Name      string `json:"name"`
	DataType  string `json:"data_type"`
	Length    int    `json:"length,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Scale     int    `json:"scale,omitempty"`
	Nullable  bool   `json:"nullable"`
	Default   string `json:"default,omitempty"`
}

// typeAliases maps driver and dialect spellings onto one canonical name so
// that introspected and declared types compare equal.
var typeAliases = map[string]string{
	"INT":                         "INTEGER",
	"INT4":                        "INTEGER",
	"SERIAL":                      "INTEGER",
	"INT8":                        "BIGINT",
	"BIGSERIAL":                   "BIGINT",
	"INT2":                        "SMALLINT",
	"SMALLSERIAL":                 "SMALLINT",
	"BOOL":                        "BOOLEAN",
	"STRING":                      "VARCHAR",
	"CHARACTER VARYING":           "VARCHAR",
	"CHARACTER":                   "CHAR",
	"BPCHAR":                      "CHAR",
	"DATETIME":                    "TIMESTAMP",
	"TIMESTAMPTZ":                 "TIMESTAMP",
	"TIMESTAMP WITH TIME ZONE":    "TIMESTAMP",
	"TIMESTAMP WITHOUT TIME ZONE": "TIMESTAMP",
	"DECIMAL":                     "NUMERIC",
	"FLOAT":                       "DOUBLE PRECISION",
	"FLOAT8":                      "DOUBLE PRECISION",
	"FLOAT4":                      "REAL",
	"TEXT":                        "TEXT",
	"UUID":                        "UUID",
	"JSONB":                       "JSONB",
	"JSON":                        "JSON",
	"BYTEA":                       "BYTEA",
	"DATE":                        "DATE",
	"TIME":                        "TIME",
	"TIME WITHOUT TIME ZONE":      "TIME",
}

// NormalizeType maps a type name onto its canonical spelling. Unknown types
// are uppercased and returned as-is.
func NormalizeType(t string) string {
	up := strings.ToUpper(strings.TrimSpace(t))
	// Strip any length/precision suffix before alias lookup.
	if idx := strings.IndexByte(up, '('); idx >= 0 {
		up = strings.TrimSpace(up[:idx])
	}
	if canon, ok := typeAliases[up]; ok {
		return canon
	}
	return up
}

// Checksum returns the sha256 of the canonical JSON encoding of v. Map keys
// are sorted by the JSON encoder, so equal states hash equal.
func Checksum(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("checksum encode: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ToSnakeCase converts an identifier to snake_case, handling acronym runs
// (HTTPRequest -> http_request) and stripping non-alphanumeric characters.
func ToSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if !isAlphanumeric(r) && r != '_' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			if i > 0 && len(result) > 0 {
				prev := runes[i-1]
				if prev >= 'a' && prev <= 'z' {
					result = append(result, '_')
				} else if prev >= 'A' && prev <= 'Z' {
					if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' {
						result = append(result, '_')
					}
				}
			}
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}

	if len(result) > 0 && result[0] >= '0' && result[0] <= '9' {
		result = append([]rune{'_'}, result...)
	}
	return string(result)
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// SortedTableNames returns the table names of models in sorted order.
func SortedTableNames(models []*Model) []string {
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.TableName())
	}
	sort.Strings(names)
	return names
}
