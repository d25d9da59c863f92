package module

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"sync"

	"github.com/vantagehq/vantage/internal/schema"
)

// Route is one HTTP endpoint a module contributes. Paths are absolute; by
// convention modules mount under /<module>/, and the validator tolerates a
// module's own prefix when checking for conflicts.
type Route struct {
	Method  string           `yaml:"method" json:"method"`
	Path    string           `yaml:"path" json:"path"`
	Name    string           `yaml:"name,omitempty" json:"name,omitempty"`
	Handler http.HandlerFunc `yaml:"-" json:"-"`
}

// ServiceFactory constructs a named service a module exposes to others.
type ServiceFactory func(db *sql.DB) (any, error)

// DataMigrationFunc runs inside a transaction during a data migration. A
// false return without an error still marks the migration failed.
type DataMigrationFunc func(ctx context.Context, tx *sql.Tx) (bool, error)

// Hooks are the optional lifecycle callbacks a provider can implement. Any
// nil hook is skipped.
type Hooks struct {
	PreInit   func(ctx context.Context, db *sql.DB) error
	PostInit  func(ctx context.Context, db *sql.DB) error
	Uninstall func(ctx context.Context, db *sql.DB) error
	PostLoad  func(ctx context.Context, db *sql.DB) error
}

// Provider is the typed registration surface for compiled-in modules. A
// module's provider supplies whatever cannot live in declaration files:
// route handlers, service constructors, lifecycle hooks, data migrations,
// and model descriptors built in code.
type Provider interface {
	Models() []*schema.Model
	Routes() []Route
	Services() map[string]ServiceFactory
	Hooks() Hooks
	DataMigrations() map[string]DataMigrationFunc
	Overrides() []Override
}

// BaseProvider is a no-op Provider for embedding, so module providers only
// implement the methods they need.
type BaseProvider struct{}

func (BaseProvider) Models() []*schema.Model                      { return nil }
func (BaseProvider) Routes() []Route                              { return nil }
func (BaseProvider) Services() map[string]ServiceFactory          { return nil }
func (BaseProvider) Hooks() Hooks                                 { return Hooks{} }
func (BaseProvider) DataMigrations() map[string]DataMigrationFunc { return nil }
func (BaseProvider) Overrides() []Override                        { return nil }

// ProviderSet holds the providers registered for this binary, keyed by
// module name. It is injected into the loader rather than held globally.
type ProviderSet struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderSet creates an empty provider set.
func NewProviderSet() *ProviderSet {
	return &ProviderSet{providers: make(map[string]Provider)}
}

// Register binds a provider to a module name. Later registrations replace
// earlier ones.
func (ps *ProviderSet) Register(name string, p Provider) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.providers[name] = p
}

// Get returns the provider for a module, if one is registered.
func (ps *ProviderSet) Get(name string) (Provider, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.providers[name]
	return p, ok
}

// Names lists registered module names in sorted order.
func (ps *ProviderSet) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	names := make([]string, 0, len(ps.providers))
	for name := range ps.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
