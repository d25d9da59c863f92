package module

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vantagehq/vantage/internal/schema"
)

// State tracks where a module is in its lifecycle.
type State int

const (
	StateUninstalled State = iota
	StateToInstall
	StateInstalled
	StateToUpgrade
	StateToRemove
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateToInstall:
		return "to_install"
	case StateInstalled:
		return "installed"
	case StateToUpgrade:
		return "to_upgrade"
	case StateToRemove:
		return "to_remove"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Events emitted through the registry hook table.
const (
	EventStateChanged     = "module_state_changed"
	EventModuleRegistered = "module_registered"
)

// HookFunc receives the event payload. Panics and errors in a subscriber are
// logged and swallowed so one bad subscriber cannot break the others.
type HookFunc func(payload any)

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	Module string
	From   State
	To     State
}

// Info is everything the registry knows about one module.
type Info struct {
	Name              string
	Manifest          *Manifest
	Path              string
	State             State
	Models            []*schema.Model
	AssociationTables []*schema.Model
	Routes            []Route
	Services          []string
}

// Registry is the authoritative table of known modules. It is constructed
// and injected; there is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]*Info
	models   map[string]*schema.Model
	services map[string]map[string]any
	hooks    map[string][]HookFunc
	log      *zap.Logger
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		modules:  make(map[string]*Info),
		models:   make(map[string]*schema.Model),
		services: make(map[string]map[string]any),
		hooks:    make(map[string][]HookFunc),
		log:      log,
	}
}

// Register adds a module. Registering a name twice is allowed so a module
// can be reloaded in place, but it warns because it usually means two search
// paths carry the same module.
func (r *Registry) Register(info *Info) {
	r.mu.Lock()
	if _, exists := r.modules[info.Name]; exists {
		r.log.Warn("module already registered, overwriting", zap.String("module", info.Name))
	}
	r.modules[info.Name] = info
	r.mu.Unlock()

	r.Emit(EventModuleRegistered, info.Name)
}

// Unregister removes a module. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, exists := r.modules[name]
	if !exists {
		r.log.Debug("unregister of unknown module", zap.String("module", name))
		return
	}
	delete(r.modules, name)
	delete(r.services, name)
	for _, m := range info.Models {
		delete(r.models, m.Name)
	}
}

// Get returns the named module's Info.
func (r *Registry) Get(name string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.modules[name]
	return info, ok
}

// Len reports the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Names returns registered module names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns modules in dependency load order where resolvable, with any
// remainder appended in sorted order.
func (r *Registry) All() []*Info {
	order, err := r.ResolveLoadOrder()
	if err != nil {
		order = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Info, 0, len(order))
	for _, name := range order {
		if info, ok := r.modules[name]; ok {
			out = append(out, info)
		}
	}
	return out
}

// SetState transitions a module and emits EventStateChanged.
func (r *Registry) SetState(name string, state State) error {
	r.mu.Lock()
	info, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{Module: name}
	}
	from := info.State
	info.State = state
	r.mu.Unlock()

	r.Emit(EventStateChanged, StateChange{Module: name, From: from, To: state})
	return nil
}

// ResolveLoadOrder computes a deterministic dependency order over registered
// modules. Dependencies on modules that are not registered are ignored here;
// CheckDependencies reports them. The ready set is sorted before every pick
// so the result does not depend on registration order. Any unresolvable
// remainder is a cycle.
func (r *Registry) ResolveLoadOrder() ([]string, error) {
	r.mu.RLock()
	indegree := make(map[string]int, len(r.modules))
	dependents := make(map[string][]string, len(r.modules))
	for name, info := range r.modules {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range info.Manifest.Depends {
			if _, registered := r.modules[dep]; !registered {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}
	r.mu.RUnlock()

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

// Dependents returns the modules that directly depend on name, sorted.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for other, info := range r.modules {
		for _, dep := range info.Manifest.Depends {
			if dep == name {
				out = append(out, other)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Dependencies returns name's direct dependencies, or its full transitive
// closure when recursive is true. The result is sorted.
func (r *Registry) Dependencies(name string, recursive bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.modules[name]
	if !ok {
		return nil
	}
	if !recursive {
		out := append([]string(nil), info.Manifest.Depends...)
		sort.Strings(out)
		return out
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), info.Manifest.Depends...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if depInfo, ok := r.modules[dep]; ok {
			queue = append(queue, depInfo.Manifest.Depends...)
		}
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// CheckDependencies returns the declared dependencies of name that are not
// registered, sorted.
func (r *Registry) CheckDependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.modules[name]
	if !ok {
		return nil
	}
	var missing []string
	for _, dep := range info.Manifest.Depends {
		if _, registered := r.modules[dep]; !registered {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing
}

// RegisterModel records a model under its name for cross-module lookup.
func (r *Registry) RegisterModel(m *schema.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[m.Name]; exists {
		r.log.Warn("model already registered, overwriting", zap.String("model", m.Name))
	}
	r.models[m.Name] = m
}

// Model returns a registered model by name.
func (r *Registry) Model(name string) (*schema.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// RegisterService binds a constructed service instance under its module.
// Registering the same name twice replaces the instance, which is how a
// module reinstall refreshes its services.
func (r *Registry) RegisterService(module, name string, impl any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[module] == nil {
		r.services[module] = make(map[string]any)
	}
	r.services[module][name] = impl
}

// Service returns a module's registered service instance.
func (r *Registry) Service(module, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.services[module][name]
	return impl, ok
}

// On subscribes fn to an event.
func (r *Registry) On(event string, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[event] = append(r.hooks[event], fn)
}

// Emit calls every subscriber of an event. A panicking subscriber is logged
// and the remaining subscribers still run.
func (r *Registry) Emit(event string, payload any) {
	r.mu.RLock()
	subs := append([]HookFunc(nil), r.hooks[event]...)
	r.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("event subscriber panicked",
						zap.String("event", event),
						zap.Any("panic", rec))
				}
			}()
			fn(payload)
		}()
	}
}

// Stats summarizes the registry for status output.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := map[string]int{"modules": len(r.modules), "models": len(r.models)}
	for _, info := range r.modules {
		stats[info.State.String()]++
	}
	return stats
}
