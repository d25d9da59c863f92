package module

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/internal/migrate"
)

var ledgerColumns = []string{
	"id", "module_name", "version", "migration_name", "migration_type",
	"operations", "rollback_sql", "status", "error", "duration_ms",
	"applied_at", "created_at",
}

// lifecycleProvider records hook invocations and contributes a service plus
// two data migrations, one of which already ran.
type lifecycleProvider struct {
	BaseProvider
	events *[]string
}

func (p lifecycleProvider) Hooks() Hooks {
	return Hooks{
		PreInit: func(ctx context.Context, db *sql.DB) error {
			*p.events = append(*p.events, "pre_init")
			return nil
		},
		PostInit: func(ctx context.Context, db *sql.DB) error {
			*p.events = append(*p.events, "post_init")
			return nil
		},
	}
}

func (p lifecycleProvider) Services() map[string]ServiceFactory {
	return map[string]ServiceFactory{
		"scoring": func(db *sql.DB) (any, error) { return "base-scorer", nil },
	}
}

func (p lifecycleProvider) Overrides() []Override {
	return []Override{{
		Model:   "crm",
		Name:    "scoring",
		Factory: func(prev any) any { return prev.(string) + "+priority" },
	}}
}

func (p lifecycleProvider) DataMigrations() map[string]DataMigrationFunc {
	return map[string]DataMigrationFunc{
		"already_done": func(ctx context.Context, tx *sql.Tx) (bool, error) {
			*p.events = append(*p.events, "already_done")
			return true, nil
		},
		"seed_defaults": func(ctx context.Context, tx *sql.Tx) (bool, error) {
			*p.events = append(*p.events, "seed_defaults")
			return true, nil
		},
	}
}

func newSetupFixture(t *testing.T, p Provider) (*Loader, *Registry, *migrate.Engine, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	root := t.TempDir()
	writeModuleDir(t, root, "crm", "version: \"1.0\"\n", "models: []\n")

	providers := NewProviderSet()
	if p != nil {
		providers.Register("crm", p)
	}
	registry := NewRegistry(nil)
	loader := NewLoader([]string{root}, registry, providers, nil)
	_, err := loader.Discover()
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return loader, registry, migrate.NewEngine(db, nil), mock, db
}

func TestSetupRunsFullLifecycle(t *testing.T) {
	var events []string
	loader, registry, engine, mock, db := newSetupFixture(t, lifecycleProvider{events: &events})
	require.NoError(t, loader.Load(context.Background(), "crm", db))

	// already_done has an applied ledger record and is skipped.
	applied := time.Now().UTC()
	mock.ExpectQuery("FROM module_migrations").WithArgs("crm", "already_done").
		WillReturnRows(sqlmock.NewRows(ledgerColumns).AddRow(
			"rec-1", "crm", "1.0", "already_done", "data", "[]", "",
			"applied", "", int64(5), applied, applied))
	// seed_defaults has no record and runs in its own transaction.
	mock.ExpectQuery("FROM module_migrations").WithArgs("crm", "seed_defaults").
		WillReturnRows(sqlmock.NewRows(ledgerColumns))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO module_migrations")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE module_migrations")).
		WithArgs("applied", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := loader.Setup(context.Background(), "crm", db, engine)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	// Hooks ran in order around the schema install, and only the pending
	// data migration executed.
	assert.Equal(t, []string{"pre_init", "post_init", "seed_defaults"}, events)

	// The service is registered with its override chain applied.
	svc, ok := registry.Service("crm", "scoring")
	require.True(t, ok)
	assert.Equal(t, "base-scorer+priority", svc)

	info, _ := registry.Get("crm")
	assert.Equal(t, StateInstalled, info.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type failingPreInitProvider struct {
	BaseProvider
}

func (failingPreInitProvider) Hooks() Hooks {
	return Hooks{PreInit: func(ctx context.Context, db *sql.DB) error {
		return errors.New("tenant not provisioned")
	}}
}

func TestSetupAbortsOnPreInitFailure(t *testing.T) {
	loader, registry, engine, mock, db := newSetupFixture(t, failingPreInitProvider{})
	require.NoError(t, loader.Load(context.Background(), "crm", db))

	_, err := loader.Setup(context.Background(), "crm", db, engine)
	var installErr *InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Contains(t, err.Error(), "pre-init hook")

	// Nothing touched the database and the module never became installed.
	info, _ := registry.Get("crm")
	assert.NotEqual(t, StateInstalled, info.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetupUnknownModule(t *testing.T) {
	loader, _, engine, _, db := newSetupFixture(t, nil)

	_, err := loader.Setup(context.Background(), "ghost", db, engine)
	var notFound *NotFoundError
	assert.True(t, errors.As(err, &notFound))
}
