package module

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vantagehq/vantage/internal/schema"
)

type baseTestProvider struct {
	BaseProvider
}

func (baseTestProvider) Models() []*schema.Model {
	return []*schema.Model{{
		Name:  "Company",
		Table: "companies",
		Columns: []schema.Column{
			{Name: "id", Type: "UUID", PrimaryKey: true},
			{Name: "name", Type: "VARCHAR", Length: 128},
		},
	}}
}

func (baseTestProvider) Routes() []Route {
	return []Route{{Method: "GET", Path: "/companies", Handler: func(http.ResponseWriter, *http.Request) {}}}
}

func TestProviderSet(t *testing.T) {
	ps := NewProviderSet()
	ps.Register("base", baseTestProvider{})
	ps.Register("crm", baseTestProvider{})

	p, ok := ps.Get("base")
	assert.True(t, ok)
	assert.Len(t, p.Models(), 1)

	_, ok = ps.Get("ghost")
	assert.False(t, ok)

	assert.Equal(t, []string{"base", "crm"}, ps.Names())
}

func TestBaseProviderIsNoOp(t *testing.T) {
	var p BaseProvider
	assert.Nil(t, p.Models())
	assert.Nil(t, p.Routes())
	assert.Nil(t, p.Services())
	assert.Nil(t, p.DataMigrations())
	assert.Nil(t, p.Overrides())
	assert.Nil(t, p.Hooks().Uninstall)
}
