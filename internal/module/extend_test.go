package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/internal/schema"
)

func leadBase() *schema.Model {
	return &schema.Model{
		Name:  "Lead",
		Table: "leads",
		Columns: []schema.Column{
			{Name: "id", Type: "UUID", PrimaryKey: true},
			{Name: "title", Type: "VARCHAR", Length: 200},
		},
	}
}

func TestApplyExtensionsLeavesBaseUntouched(t *testing.T) {
	base := leadBase()
	extended, err := ApplyExtensions(base, []Extension{{
		Model:      "Lead",
		AddColumns: []schema.Column{{Name: "score", Type: "INTEGER"}},
	}})
	require.NoError(t, err)

	assert.Len(t, extended.Columns, 3)
	assert.Len(t, base.Columns, 2, "base descriptor must not see the extension")
}

func TestApplyExtensionsInOrder(t *testing.T) {
	extended, err := ApplyExtensions(leadBase(), []Extension{
		{Model: "Lead", AddColumns: []schema.Column{{Name: "score", Type: "INTEGER"}}},
		{Model: "Lead", RemoveColumns: []string{"score"}},
	})
	require.NoError(t, err)
	assert.Len(t, extended.Columns, 2)
}

func TestApplyExtensionsRejectsCollisions(t *testing.T) {
	_, err := ApplyExtensions(leadBase(), []Extension{{
		Model:      "Lead",
		AddColumns: []schema.Column{{Name: "title", Type: "TEXT"}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate column")

	_, err = ApplyExtensions(leadBase(), []Extension{{
		Model:         "Lead",
		RemoveColumns: []string{"missing"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown column")

	_, err = ApplyExtensions(leadBase(), []Extension{{Model: "Contact"}})
	assert.Error(t, err)
}

func TestResolveOverridesChains(t *testing.T) {
	type scorer func() int
	seed := scorer(func() int { return 1 })

	overrides := []Override{
		{Model: "Lead", Name: "score", Factory: func(prev any) any {
			return scorer(func() int { return prev.(scorer)() * 10 })
		}},
		{Model: "Lead", Name: "other", Factory: func(prev any) any {
			return scorer(func() int { return 0 })
		}},
		{Model: "Lead", Name: "score", Factory: func(prev any) any {
			return scorer(func() int { return prev.(scorer)() + 5 })
		}},
	}

	impl := ResolveOverrides(seed, "Lead", "score", overrides).(scorer)
	assert.Equal(t, 15, impl(), "overrides wrap in declaration order")
}
