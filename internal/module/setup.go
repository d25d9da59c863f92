package module

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/vantagehq/vantage/internal/migrate"
)

// Setup installs a loaded module: the provider's pre-init hook runs first,
// then the module schema, the post-init hook, service construction with
// overrides resolved, and finally any data migrations that have not applied
// yet. On success the module transitions to installed. Hook and migration
// failures abort the install; the schema result produced so far is still
// returned so the caller can report skipped changes.
func (l *Loader) Setup(ctx context.Context, name string, db *sql.DB, engine *migrate.Engine) (*migrate.Result, error) {
	info, ok := l.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{Module: name}
	}
	p, hasProvider := l.providers.Get(name)

	if hasProvider {
		if hook := p.Hooks().PreInit; hook != nil {
			if err := hook(ctx, db); err != nil {
				return nil, &InstallError{Module: name, Err: fmt.Errorf("pre-init hook: %w", err)}
			}
		}
	}

	result, err := engine.InstallModuleSchema(ctx, name, info.Manifest.Version,
		info.Models, info.AssociationTables)
	if err != nil {
		return nil, err
	}

	if hasProvider {
		if hook := p.Hooks().PostInit; hook != nil {
			if err := hook(ctx, db); err != nil {
				return result, &InstallError{Module: name, Err: fmt.Errorf("post-init hook: %w", err)}
			}
		}
		if err := l.registerServices(name, p, db); err != nil {
			return result, err
		}
		if err := l.runDataMigrations(ctx, info, p, engine); err != nil {
			return result, err
		}
	}

	if err := l.registry.SetState(name, StateInstalled); err != nil {
		return result, err
	}
	l.log.Info("module set up",
		zap.String("module", name),
		zap.String("version", info.Manifest.Version))
	return result, nil
}

// registerServices constructs the provider's services in name order and
// registers them with every matching override applied on top.
func (l *Loader) registerServices(name string, p Provider, db *sql.DB) error {
	factories := p.Services()
	if len(factories) == 0 {
		return nil
	}
	overrides := l.collectOverrides()

	svcNames := make([]string, 0, len(factories))
	for svc := range factories {
		svcNames = append(svcNames, svc)
	}
	sort.Strings(svcNames)

	for _, svc := range svcNames {
		impl, err := factories[svc](db)
		if err != nil {
			return &InstallError{Module: name, Err: fmt.Errorf("construct service %s: %w", svc, err)}
		}
		impl = ResolveOverrides(impl, name, svc, overrides)
		l.registry.RegisterService(name, svc, impl)
		l.log.Debug("service registered",
			zap.String("module", name), zap.String("service", svc))
	}
	return nil
}

// collectOverrides gathers every registered provider's overrides in provider
// name order, so the chain applied to a service is deterministic.
func (l *Loader) collectOverrides() []Override {
	var out []Override
	for _, name := range l.providers.Names() {
		if p, ok := l.providers.Get(name); ok {
			out = append(out, p.Overrides()...)
		}
	}
	return out
}

// runDataMigrations executes the provider's data migrations in name order,
// skipping any with a ledger record. A prior failed record is skipped with a
// warning rather than re-run, since re-running would collide with it.
func (l *Loader) runDataMigrations(ctx context.Context, info *Info, p Provider, engine *migrate.Engine) error {
	funcs := p.DataMigrations()
	if len(funcs) == 0 {
		return nil
	}
	migNames := make([]string, 0, len(funcs))
	for mig := range funcs {
		migNames = append(migNames, mig)
	}
	sort.Strings(migNames)

	for _, mig := range migNames {
		rec, err := engine.Ledger().Get(ctx, info.Name, mig)
		if err == nil {
			if rec.Status != migrate.StatusApplied {
				l.log.Warn("data migration has a prior record, skipping",
					zap.String("module", info.Name),
					zap.String("migration", mig),
					zap.String("status", string(rec.Status)))
			}
			continue
		}
		var notFound *migrate.RecordNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if _, err := engine.ExecuteData(ctx, info.Name, info.Manifest.Version, mig,
			migrate.DataFunc(funcs[mig])); err != nil {
			return err
		}
	}
	return nil
}
