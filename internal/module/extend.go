package module

import (
	"fmt"

	"github.com/vantagehq/vantage/internal/schema"
)

// Extension is one declared change to a model owned by another module.
// Extensions are applied in declaration order on top of a copy of the base
// descriptor, so the base module never observes the extended shape.
type Extension struct {
	Model          string              `yaml:"model"`
	AddColumns     []schema.Column     `yaml:"add_columns,omitempty"`
	AddIndexes     []schema.Index      `yaml:"add_indexes,omitempty"`
	AddForeignKeys []schema.ForeignKey `yaml:"add_foreign_keys,omitempty"`
	RemoveColumns  []string            `yaml:"remove_columns,omitempty"`
}

// Override replaces a named behavior on a model. The factory receives the
// previous implementation so overrides chain in declaration order.
type Override struct {
	Model   string
	Name    string
	Factory func(prev any) any
}

// ApplyExtensions returns a copy of base with every extension applied in
// order. Column collisions and removals of unknown columns are errors.
func ApplyExtensions(base *schema.Model, exts []Extension) (*schema.Model, error) {
	out := &schema.Model{
		Name:        base.Name,
		Table:       base.Table,
		Columns:     append([]schema.Column(nil), base.Columns...),
		Indexes:     append([]schema.Index(nil), base.Indexes...),
		ForeignKeys: append([]schema.ForeignKey(nil), base.ForeignKeys...),
	}

	for _, ext := range exts {
		if ext.Model != base.Name {
			return nil, fmt.Errorf("extension targets model %q, not %q", ext.Model, base.Name)
		}
		for _, col := range ext.AddColumns {
			if hasColumn(out, col.Name) {
				return nil, fmt.Errorf("extension of %q adds duplicate column %q", base.Name, col.Name)
			}
			out.Columns = append(out.Columns, col)
		}
		for _, name := range ext.RemoveColumns {
			if !hasColumn(out, name) {
				return nil, fmt.Errorf("extension of %q removes unknown column %q", base.Name, name)
			}
			out.Columns = removeColumn(out.Columns, name)
		}
		out.Indexes = append(out.Indexes, ext.AddIndexes...)
		out.ForeignKeys = append(out.ForeignKeys, ext.AddForeignKeys...)
	}
	return out, nil
}

// ResolveOverrides chains override records for one behavior name. The seed
// is the base implementation; each override wraps what came before it.
func ResolveOverrides(seed any, model, name string, overrides []Override) any {
	impl := seed
	for _, o := range overrides {
		if o.Model == model && o.Name == name && o.Factory != nil {
			impl = o.Factory(impl)
		}
	}
	return impl
}

func hasColumn(m *schema.Model, name string) bool {
	for _, c := range m.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func removeColumn(cols []schema.Column, name string) []schema.Column {
	out := cols[:0]
	for _, c := range cols {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}
