package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/vantagehq/vantage/internal/schema"
)

// Manager plans schema operations for a module's models and executes plans
// transactionally.
type Manager struct {
	db  *sql.DB
	log *zap.Logger
}

// NewManager creates a Manager. A nil logger disables logging.
func NewManager(db *sql.DB, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{db: db, log: log}
}

// UpgradePlan is the executable outcome of a set of table diffs, plus the
// changes that were skipped because they cannot be applied automatically.
type UpgradePlan struct {
	Ops     []*Operation
	Skipped []SkippedChange
}

// SkippedChange names a diff entry the planner refused to apply.
type SkippedChange struct {
	Table  string
	Column string
	Reason string
}

// PlanCreate orders a module's models so referenced tables are created
// before the tables that reference them, renders their create operations,
// and appends association tables and deferred foreign keys last.
func (mg *Manager) PlanCreate(models, assoc []*schema.Model) ([]*Operation, error) {
	ordered, err := sortModelsByFK(models)
	if err != nil {
		return nil, err
	}

	var ops, deferred []*Operation
	for _, m := range ordered {
		create, def := CreateTableOps(m)
		ops = append(ops, create...)
		deferred = append(deferred, def...)
	}
	for _, m := range assoc {
		create, def := CreateTableOps(m)
		ops = append(ops, create...)
		deferred = append(deferred, def...)
	}
	return append(ops, deferred...), nil
}

// sortModelsByFK topologically orders models by their foreign keys, deferred
// references excluded. A cycle among non-deferred references is an error;
// breaking it requires marking one side for deferred validation.
func sortModelsByFK(models []*schema.Model) ([]*schema.Model, error) {
	byTable := make(map[string]*schema.Model, len(models))
	for _, m := range models {
		byTable[m.TableName()] = m
	}

	indegree := make(map[string]int, len(models))
	dependents := make(map[string][]string, len(models))
	for table, m := range byTable {
		if _, ok := indegree[table]; !ok {
			indegree[table] = 0
		}
		for _, fk := range m.ForeignKeys {
			if fk.DeferValidation || fk.RefTable == table {
				continue
			}
			if _, local := byTable[fk.RefTable]; !local {
				continue
			}
			indegree[table]++
			dependents[fk.RefTable] = append(dependents[fk.RefTable], table)
		}
	}

	var queue []string
	for table, deg := range indegree {
		if deg == 0 {
			queue = append(queue, table)
		}
	}
	ordered := make([]*schema.Model, 0, len(models))
	for len(queue) > 0 {
		sort.Strings(queue)
		table := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byTable[table])
		for _, dep := range dependents[table] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(ordered) != len(byTable) {
		var remaining []string
		for table, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, table)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("foreign key cycle among tables %s", strings.Join(remaining, ", "))
	}
	return ordered, nil
}

// PlanUpgrade turns table diffs into operations. Column removals are never
// executed automatically; they become comment operations and a warning.
// Type changes that are not automatically migratable are skipped and
// reported in the plan.
func (mg *Manager) PlanUpgrade(diffs []*schema.TableDiff) *UpgradePlan {
	plan := &UpgradePlan{}
	for _, diff := range diffs {
		if diff.CreateTable || diff.Empty() {
			continue
		}
		for _, col := range diff.ColumnsToAdd {
			if !col.Nullable && col.Default == "" {
				plan.Skipped = append(plan.Skipped, SkippedChange{
					Table:  diff.Table,
					Column: col.Name,
					Reason: "NOT NULL column without a default cannot be added to an existing table",
				})
				mg.log.Warn("skipping column addition",
					zap.String("table", diff.Table), zap.String("column", col.Name))
				continue
			}
			plan.Ops = append(plan.Ops, AddColumnOp(diff.Table, col))
		}
		for _, col := range diff.ColumnsToRemove {
			mg.log.Warn("column exists in database but not in model, leaving in place",
				zap.String("table", diff.Table), zap.String("column", col))
			plan.Ops = append(plan.Ops, CommentOp(diff.Table,
				fmt.Sprintf("column %s.%s no longer declared; drop it manually if intended", diff.Table, col)))
		}
		for _, cd := range diff.ColumnsToModify {
			if hasChange(cd, "type") {
				if ok, reason := schema.AutoMigratable(cd.From, cd.To); !ok {
					plan.Skipped = append(plan.Skipped, SkippedChange{
						Table:  diff.Table,
						Column: cd.Name,
						Reason: reason,
					})
					mg.log.Warn("skipping non-auto-migratable column change",
						zap.String("table", diff.Table),
						zap.String("column", cd.Name),
						zap.String("reason", reason))
					continue
				}
			}
			plan.Ops = append(plan.Ops, AlterColumnOps(diff.Table, cd)...)
		}
		for _, idx := range diff.IndexesToAdd {
			plan.Ops = append(plan.Ops, CreateIndexOp(diff.Table, idx))
		}
		for _, fk := range diff.FKsToAdd {
			plan.Ops = append(plan.Ops, AddFKOp(diff.Table, fk))
		}
		// Removed indexes and foreign keys follow the same rule as removed
		// columns: flagged, never dropped automatically.
		for _, name := range diff.IndexesToRemove {
			plan.Ops = append(plan.Ops, CommentOp(diff.Table,
				fmt.Sprintf("index %s no longer declared; drop it manually if intended", name)))
		}
		for _, key := range diff.FKsToRemove {
			plan.Ops = append(plan.Ops, CommentOp(diff.Table,
				fmt.Sprintf("foreign key %s no longer declared; drop it manually if intended", key)))
		}
	}
	return plan
}

func hasChange(cd schema.ColumnDiff, kind string) bool {
	for _, c := range cd.Changes {
		if c == kind {
			return true
		}
	}
	return false
}

// DropOrder orders tables so dependents are dropped before the tables they
// reference, based on the live foreign keys the inspector reports. When the
// live references form a cycle the remainder falls back to alphabetical
// order with a warning.
func (mg *Manager) DropOrder(ctx context.Context, inspector *schema.Inspector, tables []string) []string {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t] = true
	}

	// dropAfter[a] = b means a must drop before b (a references b).
	indegree := make(map[string]int, len(tables))
	dependents := make(map[string][]string, len(tables))
	for _, t := range tables {
		if _, ok := indegree[t]; !ok {
			indegree[t] = 0
		}
		state, err := inspector.TableSchema(ctx, t)
		if err != nil || state == nil {
			continue
		}
		for _, fk := range state.ForeignKeys {
			if !inSet[fk.RefTable] || fk.RefTable == t {
				continue
			}
			// The referenced table waits for this one.
			indegree[fk.RefTable]++
			dependents[t] = append(dependents[t], fk.RefTable)
		}
	}

	var queue []string
	for t, deg := range indegree {
		if deg == 0 {
			queue = append(queue, t)
		}
	}
	order := make([]string, 0, len(tables))
	for len(queue) > 0 {
		sort.Strings(queue)
		t := queue[0]
		queue = queue[1:]
		order = append(order, t)
		for _, dep := range dependents[t] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(tables) {
		var remaining []string
		for t, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, t)
			}
		}
		sort.Strings(remaining)
		mg.log.Warn("reference cycle among tables to drop, falling back to alphabetical order",
			zap.Strings("tables", remaining))
		order = append(order, remaining...)
	}
	return order
}

// Execute runs operations in one transaction. Comment operations are
// recorded but not executed. On failure the transaction is rolled back and,
// because DDL outside a transactional database would already be partially
// applied, the compensating SQL of every executed operation is replayed in
// reverse order on a best-effort basis; operations whose rollback is a
// comment placeholder are skipped with a warning.
func (mg *Manager) Execute(ctx context.Context, ops []*Operation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := mg.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			mg.log.Error("transaction rollback failed", zap.Error(err))
		}
	}()

	var executed []*Operation
	for _, op := range ops {
		if op.Type == OpComment {
			op.Executed = true
			continue
		}
		if _, err := tx.ExecContext(ctx, op.SQL); err != nil {
			op.Err = err.Error()
			mg.log.Error("operation failed",
				zap.String("type", string(op.Type)),
				zap.String("table", op.Table),
				zap.Error(err))
			// The transaction must release its connection before the
			// compensating statements run against the pool.
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				mg.log.Error("transaction rollback failed", zap.Error(rbErr))
			}
			mg.compensate(ctx, executed)
			return fmt.Errorf("execute %s on %s: %w", op.Type, op.Table, err)
		}
		op.Executed = true
		executed = append(executed, op)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	mg.log.Info("schema operations applied", zap.Int("count", len(executed)))
	return nil
}

// compensate replays rollback SQL for executed operations in reverse order,
// outside the failed transaction.
func (mg *Manager) compensate(ctx context.Context, executed []*Operation) {
	for i := len(executed) - 1; i >= 0; i-- {
		op := executed[i]
		if !op.HasRollback() {
			mg.log.Warn("no rollback available for executed operation",
				zap.String("type", string(op.Type)),
				zap.String("table", op.Table))
			continue
		}
		if _, err := mg.db.ExecContext(ctx, op.RollbackSQL); err != nil {
			mg.log.Error("compensating statement failed",
				zap.String("type", string(op.Type)),
				zap.String("table", op.Table),
				zap.Error(err))
		}
	}
}

// CombineRollbackSQL joins the rollback statements of operations in reverse
// order, skipping comment placeholders. The result is stored on the ledger
// record so an applied migration can be undone later.
func CombineRollbackSQL(ops []*Operation) string {
	var stmts []string
	for i := len(ops) - 1; i >= 0; i-- {
		if !ops[i].HasRollback() {
			continue
		}
		stmts = append(stmts, strings.TrimSpace(ops[i].RollbackSQL))
	}
	return strings.Join(stmts, ";\n")
}
