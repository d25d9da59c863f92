// Package validate runs the pre-installation checks that decide whether a
// module may be installed: manifest shape, frontend assets, schema
// compatibility against the live database, route conflicts, and
// dependencies.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/vantagehq/vantage/internal/module"
	"github.com/vantagehq/vantage/internal/schema"
)

// Issue is one finding. Errors block installation, warnings do not.
type Issue struct {
	Check   string `json:"check"`
	Message string `json:"message"`
	Remedy  string `json:"remedy,omitempty"`
}

// Report is the outcome of validating one module. Valid is true exactly
// when there are no errors; warnings alone never block. Plans carries the
// table diffs that an installation would apply, so a valid report doubles
// as the upgrade plan.
type Report struct {
	Module   string              `json:"module"`
	Valid    bool                `json:"valid"`
	Errors   []Issue             `json:"errors,omitempty"`
	Warnings []Issue             `json:"warnings,omitempty"`
	Plans    []*schema.TableDiff `json:"plans,omitempty"`
}

func (r *Report) errorf(check, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Check: check, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(check, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Check: check, Message: fmt.Sprintf(format, args...)})
}

// sqlReservedWords may not be used as table or column names. The list
// covers the keywords that break unquoted SQL plus the identifiers the
// platform claims for itself.
var sqlReservedWords = map[string]bool{
	"all": true, "alter": true, "and": true, "any": true, "as": true,
	"asc": true, "between": true, "by": true, "case": true, "check": true,
	"column": true, "constraint": true, "create": true, "default": true,
	"delete": true, "desc": true, "distinct": true, "drop": true,
	"else": true, "end": true, "exists": true, "foreign": true, "from": true,
	"grant": true, "group": true, "having": true, "in": true, "index": true,
	"insert": true, "into": true, "is": true, "join": true, "key": true,
	"like": true, "limit": true, "not": true, "null": true, "offset": true,
	"on": true, "or": true, "order": true, "primary": true, "references": true,
	"role": true, "select": true, "set": true, "table": true, "then": true,
	"union": true, "unique": true, "update": true, "user": true, "values": true,
	"when": true, "where": true,
}

// Validator runs pre-installation validation. The inspector may be nil when
// no database is available; schema checks then run against declared state
// only.
type Validator struct {
	registry   *module.Registry
	inspector  *schema.Inspector
	staticRoot string
	log        *zap.Logger
}

// New creates a Validator. A nil logger disables logging.
func New(registry *module.Registry, inspector *schema.Inspector, staticRoot string, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{registry: registry, inspector: inspector, staticRoot: staticRoot, log: log}
}

// Input is everything known about the candidate module before installation.
type Input struct {
	Name     string
	Dir      string
	Manifest *module.Manifest
	Models   []*schema.Model
	Routes   []module.Route
}

// Validate runs every check in order and returns the combined report.
func (v *Validator) Validate(ctx context.Context, in Input) (*Report, error) {
	report := &Report{Module: in.Name}

	v.checkManifest(in, report)
	v.checkAssets(in, report)
	if err := v.checkSchema(ctx, in, report); err != nil {
		return nil, err
	}
	v.checkCircularFKs(in, report)
	v.checkRouteConflicts(in, report)
	v.checkDependencies(in, report)

	report.Valid = len(report.Errors) == 0
	v.log.Info("module validated",
		zap.String("module", in.Name),
		zap.Bool("valid", report.Valid),
		zap.Int("errors", len(report.Errors)),
		zap.Int("warnings", len(report.Warnings)))
	return report, nil
}

func (v *Validator) checkManifest(in Input, report *Report) {
	if err := module.ValidateModuleName(in.Name); err != nil && in.Name != module.BaseModule {
		report.errorf("manifest", "%v", err)
	}
	if in.Manifest == nil {
		report.errorf("manifest", "module has no manifest")
		return
	}
	seen := map[string]bool{}
	for _, item := range in.Manifest.Menus {
		if item.Path == "" {
			continue
		}
		if seen[item.Path] {
			report.warnf("manifest", "menu path %q declared more than once", item.Path)
		}
		seen[item.Path] = true
	}
}

func (v *Validator) checkAssets(in Input, report *Report) {
	if in.Manifest == nil {
		return
	}
	assets := in.Manifest.Assets

	staticPrefix := "static/"
	if v.staticRoot != "" {
		staticPrefix = strings.Trim(filepath.ToSlash(v.staticRoot), "/") + "/"
	}
	if assets.Routes != "" && !strings.HasPrefix(filepath.ToSlash(assets.Routes), staticPrefix) {
		report.errorf("assets", "frontend route file %q must live under %s", assets.Routes, staticPrefix)
	}

	for _, file := range assets.Files() {
		if _, err := os.Stat(filepath.Join(in.Dir, filepath.FromSlash(file))); err != nil {
			report.warnf("assets", "declared asset %q not found", file)
		}
	}

	for _, locale := range assets.Locales {
		path := filepath.Join(in.Dir, filepath.FromSlash(locale))
		data, err := os.ReadFile(path)
		if err != nil {
			report.warnf("assets", "locale file %q not found", locale)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			report.errorf("assets", "locale file %q is not a JSON object: %v", locale, err)
		}
	}
}

// checkSchema verifies names against the reserved word list, resolves
// foreign key targets, and diffs each model against the live table. Changes
// that cannot be applied automatically are errors; applicable diffs become
// the upgrade plan.
func (v *Validator) checkSchema(ctx context.Context, in Input, report *Report) error {
	owned := make(map[string]bool, len(in.Models))
	for _, m := range in.Models {
		owned[m.TableName()] = true
	}
	depTables := v.dependencyTables(in)

	for _, m := range in.Models {
		table := m.TableName()
		if sqlReservedWords[strings.ToLower(table)] {
			report.errorf("schema", "table name %q is a reserved SQL keyword", table)
		}
		for _, c := range m.Columns {
			if sqlReservedWords[strings.ToLower(c.Name)] {
				report.errorf("schema", "column %s.%s is a reserved SQL keyword", table, c.Name)
			}
		}
		for _, fk := range m.ForeignKeys {
			if err := v.resolveFKTarget(ctx, fk, owned, depTables); err != nil {
				report.errorf("schema", "foreign key %s on table %s: %v", fk.Key(), table, err)
			}
		}

		if v.inspector == nil {
			continue
		}
		diff, err := v.inspector.CompareTable(ctx, m)
		if err != nil {
			return err
		}
		if diff.Empty() {
			continue
		}
		for _, cd := range diff.ColumnsToModify {
			for _, change := range cd.Changes {
				switch change {
				case "type":
					if ok, reason := schema.AutoMigratable(cd.From, cd.To); !ok {
						report.Errors = append(report.Errors, Issue{
							Check:   "schema",
							Message: fmt.Sprintf("column %s.%s: %s", table, cd.Name, reason),
							Remedy:  "write a manual migration for this change",
						})
					}
				case "nullable":
					// SET NOT NULL fails outright when existing rows hold
					// NULLs; without a default to backfill there is no safe
					// automatic path.
					if cd.From.Nullable && !cd.To.Nullable && cd.To.Default == "" {
						report.Errors = append(report.Errors, Issue{
							Check:   "schema",
							Message: fmt.Sprintf("column %s.%s cannot become NOT NULL: existing rows may hold NULLs", table, cd.Name),
							Remedy:  "declare a default value for the column or keep it nullable",
						})
					}
				}
			}
		}
		report.Plans = append(report.Plans, diff)
	}
	return nil
}

// dependencyTables collects the table names owned by the candidate's
// dependencies, transitively.
func (v *Validator) dependencyTables(in Input) map[string]bool {
	tables := make(map[string]bool)
	if in.Manifest == nil {
		return tables
	}
	queue := append([]string(nil), in.Manifest.Depends...)
	seen := map[string]bool{}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		info, ok := v.registry.Get(dep)
		if !ok {
			continue
		}
		for _, m := range info.Models {
			tables[m.TableName()] = true
		}
		for _, m := range info.AssociationTables {
			tables[m.TableName()] = true
		}
		queue = append(queue, info.Manifest.Depends...)
	}
	return tables
}

func (v *Validator) resolveFKTarget(ctx context.Context, fk schema.ForeignKey, owned, depTables map[string]bool) error {
	if owned[fk.RefTable] || depTables[fk.RefTable] {
		return nil
	}
	if v.inspector != nil {
		exists, err := v.inspector.TableExists(ctx, fk.RefTable)
		if err == nil && exists {
			return nil
		}
	}
	return fmt.Errorf("references table %q, which is not owned by this module, its dependencies, or the database", fk.RefTable)
}

// checkCircularFKs walks the reference graph of the candidate's models plus
// its dependencies' models. References marked for deferred validation are
// not edges; any remaining cycle would deadlock table creation, so it is
// rejected here rather than left for the migration engine to hit.
func (v *Validator) checkCircularFKs(in Input, report *Report) {
	edges := make(map[string][]string)
	addModel := func(m *schema.Model) {
		table := m.TableName()
		if _, ok := edges[table]; !ok {
			edges[table] = nil
		}
		for _, fk := range m.ForeignKeys {
			if fk.DeferValidation || fk.RefTable == table {
				continue
			}
			edges[table] = append(edges[table], fk.RefTable)
		}
	}
	for _, m := range in.Models {
		addModel(m)
	}
	for depTable := range v.dependencyTables(in) {
		if _, ok := edges[depTable]; !ok {
			edges[depTable] = nil
		}
	}
	if in.Manifest != nil {
		for _, dep := range in.Manifest.Depends {
			if info, ok := v.registry.Get(dep); ok {
				for _, m := range info.Models {
					addModel(m)
				}
			}
		}
	}

	visited := map[string]bool{}
	onStack := map[string]bool{}
	var path []string

	var visit func(string) []string
	visit = func(table string) []string {
		visited[table] = true
		onStack[table] = true
		path = append(path, table)

		for _, ref := range edges[table] {
			if _, known := edges[ref]; !known {
				continue
			}
			if !visited[ref] {
				if cycle := visit(ref); cycle != nil {
					return cycle
				}
			} else if onStack[ref] {
				for i, t := range path {
					if t == ref {
						return append(append([]string(nil), path[i:]...), ref)
					}
				}
			}
		}

		onStack[table] = false
		path = path[:len(path)-1]
		return nil
	}

	tables := make([]string, 0, len(edges))
	for t := range edges {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if visited[t] {
			continue
		}
		if cycle := visit(t); cycle != nil {
			report.Errors = append(report.Errors, Issue{
				Check:   "schema",
				Message: fmt.Sprintf("circular foreign key reference: %s", strings.Join(cycle, " -> ")),
				Remedy:  "mark one reference in the cycle with defer_validation: true",
			})
			return
		}
	}
}

// checkRouteConflicts compares the candidate's declared routes against every
// other module's registered routes. Routes already mounted under the
// candidate's own "/<name>/" prefix are excluded from the conflict set, so
// reinstalling a module in place never conflicts with its previous
// registration.
func (v *Validator) checkRouteConflicts(in Input, report *Report) {
	selfPrefix := "/" + in.Name + "/"

	taken := make(map[string]string) // "METHOD /path" -> owning module
	for _, info := range v.registry.All() {
		if info.Name == in.Name {
			continue
		}
		for _, rt := range info.Routes {
			path := routePath(rt.Path)
			if path+"/" == selfPrefix || strings.HasPrefix(path, selfPrefix) {
				continue
			}
			taken[strings.ToUpper(rt.Method)+" "+path] = info.Name
		}
	}

	for _, rt := range in.Routes {
		path := routePath(rt.Path)
		key := strings.ToUpper(rt.Method) + " " + path
		if owner, clash := taken[key]; clash {
			report.errorf("routes", "route %s %s conflicts with module %q", rt.Method, path, owner)
		}
	}
}

func routePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func (v *Validator) checkDependencies(in Input, report *Report) {
	if in.Manifest == nil {
		return
	}
	for _, dep := range in.Manifest.Depends {
		if _, ok := v.registry.Get(dep); !ok {
			report.errorf("dependencies", "required module %q is not installed", dep)
		}
	}
	for _, bin := range in.Manifest.External.Bin {
		if _, err := exec.LookPath(bin); err != nil {
			report.errorf("dependencies", "required binary %q not found on PATH", bin)
		}
	}
}
