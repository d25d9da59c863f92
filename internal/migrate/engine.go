package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vantagehq/vantage/internal/schema"
)

// DataFunc runs inside a transaction during a data migration. Returning
// false without an error still fails the migration; the two outcomes are
// recorded with different error text.
type DataFunc func(ctx context.Context, tx *sql.Tx) (bool, error)

// Result is what one migration run produced.
type Result struct {
	Record   *Record
	Applied  bool
	Skipped  []SkippedChange
	Duration time.Duration
}

// Engine coordinates schema installs, upgrades and removals for modules,
// recording every attempt in the ledger. Execution outcomes are always
// persisted: a failed DDL run leaves a failed record behind, and a failure
// to update the record never masks the execution result.
type Engine struct {
	db        *sql.DB
	ledger    *Ledger
	manager   *Manager
	inspector *schema.Inspector
	snapshots *Snapshots
	log       *zap.Logger
}

// NewEngine wires an Engine over one database handle.
func NewEngine(db *sql.DB, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		db:        db,
		ledger:    NewLedger(db),
		manager:   NewManager(db, log),
		inspector: schema.NewInspector(db),
		snapshots: NewSnapshots(db),
		log:       log,
	}
}

// Ledger exposes the engine's ledger for history queries.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Manager exposes the engine's planner.
func (e *Engine) Manager() *Manager { return e.manager }

// Inspector exposes the engine's inspector.
func (e *Engine) Inspector() *schema.Inspector { return e.inspector }

// EnsureTables creates the ledger and snapshot tables.
func (e *Engine) EnsureTables(ctx context.Context) error {
	if err := e.ledger.EnsureTable(ctx); err != nil {
		return err
	}
	return e.snapshots.EnsureTable(ctx)
}

func migrationName(mtype MigrationType) string {
	return fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102150405"), mtype)
}

// Execute runs a set of operations as one recorded migration. An empty
// operation set succeeds immediately without touching the ledger. The
// record is inserted as pending before anything executes, then marked
// applied or failed; a failure to update the record is logged and
// swallowed so the caller still sees the execution outcome.
func (e *Engine) Execute(ctx context.Context, module, version string, mtype MigrationType, ops []*Operation) (*Result, error) {
	if len(ops) == 0 {
		return &Result{Applied: true}, nil
	}

	rec := &Record{
		Module:      module,
		Version:     version,
		Name:        migrationName(mtype),
		Type:        mtype,
		Operations:  ops,
		RollbackSQL: CombineRollbackSQL(ops),
	}
	if err := e.ledger.Insert(ctx, rec); err != nil {
		return nil, err
	}

	start := time.Now()
	execErr := e.manager.Execute(ctx, ops)
	duration := time.Since(start)

	if execErr != nil {
		rec.Status = StatusFailed
		rec.Error = execErr.Error()
		if err := e.ledger.MarkFailed(ctx, rec.ID, execErr.Error(), duration); err != nil {
			e.log.Error("failed to record migration failure",
				zap.String("module", module), zap.Error(err))
		}
		return &Result{Record: rec, Duration: duration}, execErr
	}

	rec.Status = StatusApplied
	if err := e.ledger.MarkApplied(ctx, rec.ID, duration); err != nil {
		e.log.Error("failed to record migration success",
			zap.String("module", module), zap.Error(err))
	}
	e.log.Info("migration applied",
		zap.String("module", module),
		zap.String("migration", rec.Name),
		zap.Duration("duration", duration))
	return &Result{Record: rec, Applied: true, Duration: duration}, nil
}

// InstallModuleSchema brings a module's tables into existence: existing
// tables are diffed and upgraded first, then missing tables are created,
// then model snapshots are saved.
func (e *Engine) InstallModuleSchema(ctx context.Context, module, version string, models, assoc []*schema.Model) (*Result, error) {
	var (
		toCreate []*schema.Model
		diffs    []*schema.TableDiff
	)
	for _, m := range models {
		diff, err := e.inspector.CompareTable(ctx, m)
		if err != nil {
			return nil, err
		}
		if diff.CreateTable {
			toCreate = append(toCreate, m)
			continue
		}
		if !diff.Empty() {
			diffs = append(diffs, diff)
		}
	}
	plan := e.manager.PlanUpgrade(diffs)
	if len(plan.Ops) > 0 {
		if _, err := e.Execute(ctx, module, version, TypeSchema, plan.Ops); err != nil {
			return nil, err
		}
	}

	var result *Result
	if len(toCreate) > 0 || len(assoc) > 0 {
		createAssoc, err := e.missingAssoc(ctx, assoc)
		if err != nil {
			return nil, err
		}
		ops, err := e.manager.PlanCreate(toCreate, createAssoc)
		if err != nil {
			return nil, err
		}
		result, err = e.Execute(ctx, module, version, TypeInitial, ops)
		if err != nil {
			return nil, err
		}
	}
	if result == nil {
		result = &Result{Applied: true}
	}
	result.Skipped = plan.Skipped

	for _, m := range models {
		if err := e.snapshots.Save(ctx, module, m); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) missingAssoc(ctx context.Context, assoc []*schema.Model) ([]*schema.Model, error) {
	var missing []*schema.Model
	for _, m := range assoc {
		exists, err := e.inspector.TableExists(ctx, m.TableName())
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, m)
		}
	}
	return missing, nil
}

// UpgradeModuleSchema applies the diffs between the live schema and the
// declared models, creating any tables that appeared since the install.
func (e *Engine) UpgradeModuleSchema(ctx context.Context, module, version string, models, assoc []*schema.Model) (*Result, error) {
	return e.InstallModuleSchema(ctx, module, version, models, assoc)
}

// UninstallModuleSchema drops a module's tables, dependents first, and
// removes its snapshots. The drop is recorded as a schema migration.
func (e *Engine) UninstallModuleSchema(ctx context.Context, module, version string, models, assoc []*schema.Model) (*Result, error) {
	var tables []string
	for _, m := range assoc {
		tables = append(tables, m.TableName())
	}
	for _, m := range models {
		tables = append(tables, m.TableName())
	}

	var existing []string
	for _, t := range tables {
		exists, err := e.inspector.TableExists(ctx, t)
		if err != nil {
			return nil, err
		}
		if exists {
			existing = append(existing, t)
		}
	}

	order := e.manager.DropOrder(ctx, e.inspector, existing)
	ops := make([]*Operation, 0, len(order))
	for _, t := range order {
		ops = append(ops, DropTableOp(t))
	}

	result, err := e.Execute(ctx, module, version, TypeSchema, ops)
	if err != nil {
		return result, err
	}
	if err := e.snapshots.Delete(ctx, module); err != nil {
		return result, err
	}
	return result, nil
}

// Rollback undoes one applied migration by running its stored rollback SQL
// in a single transaction. Only applied records can be rolled back. A record
// whose rollback SQL holds no executable statements, such as a table drop,
// cannot be undone and stays applied.
func (e *Engine) Rollback(ctx context.Context, module, name string) error {
	rec, err := e.ledger.Get(ctx, module, name)
	if err != nil {
		return err
	}
	if rec.Status != StatusApplied {
		return &InvalidStateError{Module: module, Name: name, Status: rec.Status, Want: StatusApplied}
	}

	stmts := splitStatements(rec.RollbackSQL)
	if len(stmts) == 0 {
		return &NoRollbackError{Module: module, Name: name}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			e.log.Error("rollback transaction cleanup failed", zap.Error(err))
		}
	}()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rollback statement failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	if err := e.ledger.MarkRolledBack(ctx, rec.ID); err != nil {
		return err
	}
	e.log.Info("migration rolled back",
		zap.String("module", module), zap.String("migration", name))
	return nil
}

// splitStatements splits stored rollback SQL on semicolons, dropping blanks
// and comment placeholders.
func splitStatements(sqlText string) []string {
	var stmts []string
	for _, stmt := range strings.Split(sqlText, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, noRollbackPrefix) {
			continue
		}
		stmts = append(stmts, stmt)
	}
	return stmts
}

// ExecuteData runs a data migration function in its own transaction and
// records the outcome. A false return without an error is recorded as
// "migration function returned false", distinct from an error return.
func (e *Engine) ExecuteData(ctx context.Context, module, version, name string, fn DataFunc) (*Result, error) {
	rec := &Record{
		Module:  module,
		Version: version,
		Name:    name,
		Type:    TypeData,
	}
	if err := e.ledger.Insert(ctx, rec); err != nil {
		return nil, err
	}

	start := time.Now()
	runErr := e.runData(ctx, fn)
	duration := time.Since(start)

	if runErr != nil {
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
		if err := e.ledger.MarkFailed(ctx, rec.ID, runErr.Error(), duration); err != nil {
			e.log.Error("failed to record data migration failure",
				zap.String("module", module), zap.Error(err))
		}
		return &Result{Record: rec, Duration: duration}, runErr
	}

	rec.Status = StatusApplied
	if err := e.ledger.MarkApplied(ctx, rec.ID, duration); err != nil {
		e.log.Error("failed to record data migration success",
			zap.String("module", module), zap.Error(err))
	}
	return &Result{Record: rec, Applied: true, Duration: duration}, nil
}

func (e *Engine) runData(ctx context.Context, fn DataFunc) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin data migration: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			e.log.Error("data migration rollback failed", zap.Error(err))
		}
	}()

	ok, err := fn(ctx, tx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("migration function returned false")
	}
	return tx.Commit()
}

// ValidateModuleSchema reports, per model, whether its table exists and
// whether the declared model drifted from its last snapshot.
func (e *Engine) ValidateModuleSchema(ctx context.Context, module string, models []*schema.Model) (map[string]string, error) {
	report := make(map[string]string, len(models))
	for _, m := range models {
		exists, err := e.inspector.TableExists(ctx, m.TableName())
		if err != nil {
			return nil, err
		}
		if !exists {
			report[m.Name] = "table missing"
			continue
		}
		drifted, err := e.snapshots.Drift(ctx, module, m)
		if err != nil {
			return nil, err
		}
		if drifted {
			report[m.Name] = "model changed since last migration"
		} else {
			report[m.Name] = "ok"
		}
	}
	return report, nil
}
