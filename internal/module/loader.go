package module

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vantagehq/vantage/internal/schema"
)

// Loader discovers module directories across the configured search paths,
// parses their declarations, and loads them into the registry in dependency
// order.
type Loader struct {
	paths     []string
	registry  *Registry
	providers *ProviderSet
	log       *zap.Logger

	mu        sync.RWMutex
	dirs      map[string]string // module name -> directory
	manifests map[string]*Manifest
	loaded    map[string]bool
}

// NewLoader creates a loader over the given search paths, earliest first.
func NewLoader(paths []string, registry *Registry, providers *ProviderSet, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	if providers == nil {
		providers = NewProviderSet()
	}
	return &Loader{
		paths:     paths,
		registry:  registry,
		providers: providers,
		log:       log,
		dirs:      make(map[string]string),
		manifests: make(map[string]*Manifest),
		loaded:    make(map[string]bool),
	}
}

// Discover walks the search paths and returns the names of every directory
// that looks like a module: it contains the declaration file and the entry
// unit the declaration names. The first path to provide a name wins;
// duplicates in later paths are skipped with a warning.
func (l *Loader) Discover() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dirs = make(map[string]string)
	for _, root := range l.paths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.log.Debug("search path does not exist", zap.String("path", root))
				continue
			}
			return nil, fmt.Errorf("read search path %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			dir := filepath.Join(root, name)
			if !isModuleDir(dir) {
				continue
			}
			if prev, dup := l.dirs[name]; dup {
				l.log.Warn("duplicate module in later search path, skipping",
					zap.String("module", name),
					zap.String("kept", prev),
					zap.String("skipped", dir))
				continue
			}
			l.dirs[name] = dir
		}
	}

	names := make([]string, 0, len(l.dirs))
	for name := range l.dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// isModuleDir requires the declaration file plus the entry unit it names.
func isModuleDir(dir string) bool {
	manifestPath := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(manifestPath); err != nil {
		return false
	}
	m, err := LoadManifestFile(filepath.Base(dir), manifestPath)
	if err != nil {
		// Malformed declarations surface later through LoadManifest; for
		// discovery the directory still counts if the default entry exists.
		_, statErr := os.Stat(filepath.Join(dir, "schema.yaml"))
		return statErr == nil
	}
	_, err = os.Stat(filepath.Join(dir, m.EntryUnit()))
	return err == nil
}

// Dir returns the directory a discovered module lives in.
func (l *Loader) Dir(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dir, ok := l.dirs[name]
	return dir, ok
}

// LoadManifest parses and caches a discovered module's declaration.
func (l *Loader) LoadManifest(name string) (*Manifest, error) {
	l.mu.RLock()
	if m, ok := l.manifests[name]; ok {
		l.mu.RUnlock()
		return m, nil
	}
	dir, ok := l.dirs[name]
	l.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Module: name}
	}

	m, err := LoadManifestFile(name, filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.manifests[name] = m
	l.mu.Unlock()
	return m, nil
}

// InvalidateCache drops cached manifests. With no arguments the whole cache
// is cleared.
func (l *Loader) InvalidateCache(names ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(names) == 0 {
		l.manifests = make(map[string]*Manifest)
		return
	}
	for _, name := range names {
		delete(l.manifests, name)
	}
}

// Load brings one module into the registry: declaration, dependency checks,
// schema files, extensions, routes and provider bindings. The provider's
// post-load hook runs last; its failure is logged, not fatal. Loading an
// already-loaded module is a no-op. Any failure after registration
// unregisters the module and returns a LoadError.
func (l *Loader) Load(ctx context.Context, name string, db *sql.DB) error {
	l.mu.RLock()
	already := l.loaded[name]
	l.mu.RUnlock()
	if already {
		if _, registered := l.registry.Get(name); registered {
			return nil
		}
	}

	manifest, err := l.LoadManifest(name)
	if err != nil {
		return err
	}
	if !manifest.IsInstallable() {
		return &LoadError{Module: name, Err: errors.New("module is not installable")}
	}

	l.ensureBase()
	if missing := l.missingDeps(manifest); len(missing) > 0 {
		return &MissingDependencyError{Module: name, Missing: missing}
	}
	if missing := missingBinaries(manifest); len(missing) > 0 {
		return &MissingDependencyError{Module: name, Binaries: missing}
	}

	dir, _ := l.Dir(name)
	info := &Info{
		Name:     name,
		Manifest: manifest,
		Path:     dir,
		State:    StateUninstalled,
		Services: append([]string(nil), manifest.Services...),
	}
	l.registry.Register(info)

	if err := l.loadUnits(ctx, info); err != nil {
		l.registry.Unregister(name)
		return &LoadError{Module: name, Err: err}
	}

	for _, m := range info.Models {
		l.registry.RegisterModel(m)
	}

	l.mu.Lock()
	l.loaded[name] = true
	l.mu.Unlock()

	if p, ok := l.providers.Get(name); ok {
		if hook := p.Hooks().PostLoad; hook != nil {
			if err := hook(ctx, db); err != nil {
				l.log.Error("post-load hook failed", zap.String("module", name), zap.Error(err))
			}
		}
	}

	l.log.Info("module loaded",
		zap.String("module", name),
		zap.String("version", manifest.Version),
		zap.Int("models", len(info.Models)))
	return nil
}

// ensureBase registers the built-in base module when no base directory was
// discovered, so the implicit base dependency always resolves.
func (l *Loader) ensureBase() {
	if _, registered := l.registry.Get(BaseModule); registered {
		return
	}
	if _, onDisk := l.Dir(BaseModule); onDisk {
		return
	}
	l.registry.Register(BuiltinBase())
	l.log.Info("no base module on disk, registered built-in base")
}

// LoadAll discovers every module, resolves a global load order, and loads
// modules in that order. A failing module is skipped; loading continues so
// one bad module cannot take the platform down. The count of loaded modules
// and the joined per-module errors are returned.
func (l *Loader) LoadAll(ctx context.Context, db *sql.DB) (int, error) {
	names, err := l.Discover()
	if err != nil {
		return 0, err
	}
	l.ensureBase()

	// First pass: parse declarations so load order sees every dependency
	// edge. Parse failures are collected, not fatal.
	var errs []error
	manifests := make(map[string]*Manifest, len(names))
	for _, name := range names {
		m, err := l.LoadManifest(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		manifests[name] = m
	}

	order, err := loadOrder(manifests)
	if err != nil {
		return 0, err
	}

	// Second pass: load in order.
	loaded := 0
	for _, name := range order {
		if err := l.Load(ctx, name, db); err != nil {
			l.log.Error("module failed to load", zap.String("module", name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// loadOrder runs the same deterministic topological sort as the registry,
// over parsed manifests that are not registered yet.
func loadOrder(manifests map[string]*Manifest) ([]string, error) {
	indegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string, len(manifests))
	for name, m := range manifests {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range m.Depends {
			if _, known := manifests[dep]; !known {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	order := make([]string, 0, len(indegree))
	for len(queue) > 0 {
		sort.Strings(queue)
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(indegree) {
		var remaining []string
		for name := range indegree {
			if indegree[name] > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		if len(remaining) > 5 {
			remaining = remaining[:5]
		}
		return nil, &CircularDependencyError{Modules: remaining}
	}
	return order, nil
}

// missingDeps returns declared module dependencies that are neither
// registered nor discovered on disk.
func (l *Loader) missingDeps(m *Manifest) []string {
	var missing []string
	for _, dep := range m.Depends {
		if _, ok := l.registry.Get(dep); ok {
			continue
		}
		if _, ok := l.Dir(dep); ok {
			continue
		}
		missing = append(missing, dep)
	}
	sort.Strings(missing)
	return missing
}

func missingBinaries(m *Manifest) []string {
	var missing []string
	for _, bin := range m.External.Bin {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	sort.Strings(missing)
	return missing
}

// loadUnits parses the module's schema, extension and route files and binds
// provider-supplied descriptors.
func (l *Loader) loadUnits(ctx context.Context, info *Info) error {
	for _, file := range info.Manifest.Models {
		models, err := l.parseModels(info, file)
		if err != nil {
			return err
		}
		info.Models = append(info.Models, models...)
	}

	if p, ok := l.providers.Get(info.Name); ok {
		for _, m := range p.Models() {
			info.Models = append(info.Models, m)
		}
		info.Routes = append(info.Routes, p.Routes()...)
	}

	if err := checkDuplicateModels(info); err != nil {
		return err
	}
	if err := checkColumnTypes(info); err != nil {
		return err
	}

	for _, file := range info.Manifest.Extends {
		if err := l.applyExtensionFile(info, file, ""); err != nil {
			return err
		}
	}
	for _, modelName := range sortedKeys(info.Manifest.Inherits) {
		if err := l.applyExtensionFile(info, info.Manifest.Inherits[modelName], modelName); err != nil {
			return err
		}
	}
	if err := l.checkOverrides(info); err != nil {
		return err
	}

	for _, file := range info.Manifest.Routes {
		routes, err := l.parseRoutes(info, file)
		if err != nil {
			return err
		}
		info.Routes = append(info.Routes, routes...)
	}
	return ctx.Err()
}

// checkOverrides verifies that every behavior override the declaration names
// is actually supplied by the module's provider.
func (l *Loader) checkOverrides(info *Info) error {
	if len(info.Manifest.Overrides) == 0 {
		return nil
	}
	p, ok := l.providers.Get(info.Name)
	if !ok {
		return fmt.Errorf("declaration names overrides but module has no registered provider")
	}
	supplied := p.Overrides()
	for _, name := range sortedKeys(info.Manifest.Overrides) {
		target := info.Manifest.Overrides[name]
		found := false
		for _, o := range supplied {
			if o.Name == name && o.Model == target {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("declared override %q of %q is not supplied by the provider", name, target)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *Loader) parseModels(info *Info, file string) ([]*schema.Model, error) {
	data, err := os.ReadFile(filepath.Join(info.Path, file))
	if err != nil {
		return nil, fmt.Errorf("read schema file %s: %w", file, err)
	}
	var doc struct {
		Models            []*schema.Model `yaml:"models"`
		AssociationTables []*schema.Model `yaml:"association_tables"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", file, err)
	}
	for _, m := range doc.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("schema file %s declares a model without a name", file)
		}
	}
	info.AssociationTables = append(info.AssociationTables, doc.AssociationTables...)
	return doc.Models, nil
}

// applyExtensionFile parses one extension file and re-registers the affected
// models with the extensions applied. A non-empty expectModel restricts the
// file to extensions of that one model, which is how inherits entries are
// kept honest.
func (l *Loader) applyExtensionFile(info *Info, file, expectModel string) error {
	data, err := os.ReadFile(filepath.Join(info.Path, file))
	if err != nil {
		return fmt.Errorf("read extension file %s: %w", file, err)
	}
	var doc struct {
		Extensions []Extension `yaml:"extensions"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse extension file %s: %w", file, err)
	}
	if expectModel != "" {
		for _, ext := range doc.Extensions {
			if ext.Model != expectModel {
				return fmt.Errorf("extension file %s is declared for model %q but extends %q",
					file, expectModel, ext.Model)
			}
		}
	}

	byModel := make(map[string][]Extension)
	for _, ext := range doc.Extensions {
		byModel[ext.Model] = append(byModel[ext.Model], ext)
	}
	for modelName, exts := range byModel {
		base, ok := l.registry.Model(modelName)
		if !ok {
			return fmt.Errorf("extension file %s targets unknown model %q", file, modelName)
		}
		extended, err := ApplyExtensions(base, exts)
		if err != nil {
			return fmt.Errorf("extension file %s: %w", file, err)
		}
		l.registry.RegisterModel(extended)
	}
	return nil
}

func (l *Loader) parseRoutes(info *Info, file string) ([]Route, error) {
	data, err := os.ReadFile(filepath.Join(info.Path, file))
	if err != nil {
		return nil, fmt.Errorf("read route file %s: %w", file, err)
	}
	var doc struct {
		Routes []Route `yaml:"routes"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse route file %s: %w", file, err)
	}
	for i := range doc.Routes {
		if doc.Routes[i].Method == "" || doc.Routes[i].Path == "" {
			return nil, fmt.Errorf("route file %s entry %d is missing method or path", file, i)
		}
	}
	return doc.Routes, nil
}

func checkDuplicateModels(info *Info) error {
	seen := make(map[string]bool, len(info.Models))
	for _, m := range info.Models {
		if seen[m.Name] {
			return fmt.Errorf("model %q declared more than once", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// serialTypes are sequence-backed pseudo-types. Normalizing them to plain
// integers would silently drop the sequence, so declarations may not use them.
var serialTypes = map[string]bool{
	"serial":      true,
	"serial2":     true,
	"serial4":     true,
	"serial8":     true,
	"smallserial": true,
	"bigserial":   true,
}

func checkColumnTypes(info *Info) error {
	check := func(m *schema.Model) error {
		for _, c := range m.Columns {
			if serialTypes[strings.ToLower(strings.TrimSpace(c.Type))] {
				return fmt.Errorf(
					"model %q column %q declares type %q: sequence-backed types are not supported, use an integer column with an explicit default or UUID keys",
					m.Name, c.Name, c.Type)
			}
		}
		return nil
	}
	for _, m := range info.Models {
		if err := check(m); err != nil {
			return err
		}
	}
	for _, m := range info.AssociationTables {
		if err := check(m); err != nil {
			return err
		}
	}
	return nil
}
