// Package module implements module discovery, manifests, the module
// registry, and installation from archives.
package module

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the declaration file every module directory must contain.
const ManifestFile = "manifest.yaml"

// MaxManifestSize is the ceiling on a declaration file. Anything larger is
// refused before parsing.
const MaxManifestSize = 100 * 1024

// BaseModule is the bundled module every other module implicitly depends on.
const BaseModule = "base"

var moduleNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// reservedNames may not be used as module names. The base module itself is
// registered through a dedicated path.
var reservedNames = map[string]bool{
	"admin":    true,
	"api":      true,
	"internal": true,
	"static":   true,
	"system":   true,
	"vantage":  true,
}

// Manifest is a module's declaration: identity, dependencies, and the files
// that make up its schema, routes, services and frontend assets.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Summary     string `yaml:"summary,omitempty"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
	Website     string `yaml:"website,omitempty"`
	License     string `yaml:"license,omitempty"`
	Category    string `yaml:"category,omitempty"`

	Application bool  `yaml:"application,omitempty"`
	Installable *bool `yaml:"installable,omitempty"`
	AutoInstall bool  `yaml:"auto_install,omitempty"`

	Depends  []string     `yaml:"depends,omitempty"`
	External ExternalDeps `yaml:"external,omitempty"`

	Models   []string `yaml:"models,omitempty"`
	Routes   []string `yaml:"routes,omitempty"`
	Services []string `yaml:"services,omitempty"`
	Extends  []string `yaml:"extends,omitempty"`
	Data     []string `yaml:"data,omitempty"`
	Demo     []string `yaml:"demo,omitempty"`

	// Inherits maps a model owned by another module to the extension file
	// that reshapes it. Overrides maps a behavior name to the model or
	// service whose implementation the module's provider replaces.
	Inherits  map[string]string `yaml:"inherits,omitempty"`
	Overrides map[string]string `yaml:"overrides,omitempty"`

	Assets Assets     `yaml:"assets,omitempty"`
	Menus  []MenuItem `yaml:"menus,omitempty"`
	Hooks  HookNames  `yaml:"hooks,omitempty"`
}

// ExternalDeps lists requirements outside the module system.
type ExternalDeps struct {
	Bin []string `yaml:"bin,omitempty"`
}

// Assets lists a module's frontend files, all relative to the module root.
type Assets struct {
	Routes     string   `yaml:"routes,omitempty"`
	Stores     []string `yaml:"stores,omitempty"`
	Components []string `yaml:"components,omitempty"`
	Views      []string `yaml:"views,omitempty"`
	Styles     []string `yaml:"styles,omitempty"`
	Locales    []string `yaml:"locales,omitempty"`
}

// Files returns every declared asset path.
func (a *Assets) Files() []string {
	var files []string
	if a.Routes != "" {
		files = append(files, a.Routes)
	}
	files = append(files, a.Stores...)
	files = append(files, a.Components...)
	files = append(files, a.Views...)
	files = append(files, a.Styles...)
	return files
}

// MenuItem declares one navigation entry contributed by the module.
type MenuItem struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Icon     string   `yaml:"icon,omitempty"`
	Parent   string   `yaml:"parent,omitempty"`
	Sequence int      `yaml:"sequence,omitempty"`
	Groups   []string `yaml:"groups,omitempty"`
}

// HookNames names the lifecycle hooks the module's provider implements.
type HookNames struct {
	PreInit   string `yaml:"pre_init,omitempty"`
	PostInit  string `yaml:"post_init,omitempty"`
	Uninstall string `yaml:"uninstall,omitempty"`
	PostLoad  string `yaml:"post_load,omitempty"`
}

// IsInstallable reports whether the module may be installed. Unset means yes.
func (m *Manifest) IsInstallable() bool {
	return m.Installable == nil || *m.Installable
}

// EntryUnit returns the first declared schema file, the file whose presence
// marks a directory as a module.
func (m *Manifest) EntryUnit() string {
	if len(m.Models) > 0 {
		return m.Models[0]
	}
	return "schema.yaml"
}

// ParseManifest decodes a declaration from r in strict mode: unknown keys
// are an error, and the document must be a mapping.
func ParseManifest(name string, r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxManifestSize+1))
	if err != nil {
		return nil, &InvalidManifestError{Module: name, Reason: err.Error()}
	}
	if len(data) > MaxManifestSize {
		return nil, &InvalidManifestError{
			Module: name,
			Reason: fmt.Sprintf("declaration file exceeds %d bytes", MaxManifestSize),
		}
	}

	// Reject scalar and sequence documents before the typed decode so the
	// error names the real problem.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &InvalidManifestError{Module: name, Reason: err.Error()}
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, &InvalidManifestError{Module: name, Reason: "declaration must be a mapping"}
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, &InvalidManifestError{Module: name, Reason: err.Error()}
	}

	m.applyDefaults(name)
	if err := m.validate(name); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestFile reads and parses a module's declaration file, enforcing
// the size ceiling before the file is read.
func LoadManifestFile(name, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &InvalidManifestError{Module: name, Reason: err.Error()}
	}
	if info.Size() > MaxManifestSize {
		return nil, &InvalidManifestError{
			Module: name,
			Reason: fmt.Sprintf("declaration file is %d bytes, limit is %d", info.Size(), MaxManifestSize),
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &InvalidManifestError{Module: name, Reason: err.Error()}
	}
	defer f.Close()
	return ParseManifest(name, f)
}

func (m *Manifest) applyDefaults(name string) {
	if m.Name == "" {
		m.Name = name
	}
	if m.License == "" {
		m.License = "LGPL-3"
	}
	if m.Category == "" {
		m.Category = "Uncategorized"
	}
	if len(m.Models) == 0 {
		m.Models = []string{"schema.yaml"}
	}
	for i := range m.Menus {
		if m.Menus[i].Sequence == 0 {
			m.Menus[i].Sequence = 10
		}
	}

	// Everything depends on base, except base itself.
	if name != BaseModule {
		hasBase := false
		for _, d := range m.Depends {
			if d == BaseModule {
				hasBase = true
				break
			}
		}
		if !hasBase {
			m.Depends = append([]string{BaseModule}, m.Depends...)
		}
	}
	m.Depends = dedup(m.Depends)
}

func (m *Manifest) validate(name string) error {
	if err := ValidateModuleName(name); err != nil {
		return err
	}
	if m.Version == "" {
		return &InvalidManifestError{Module: name, Reason: "version is required"}
	}
	parts := strings.Split(m.Version, ".")
	if len(parts) < 2 {
		return &InvalidManifestError{
			Module: name,
			Reason: fmt.Sprintf("version %q must have at least two dot-separated parts", m.Version),
		}
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return &InvalidManifestError{
				Module: name,
				Reason: fmt.Sprintf("version part %q is not numeric", p),
			}
		}
	}
	for _, dep := range m.Depends {
		if dep == name {
			return &InvalidManifestError{Module: name, Reason: "module cannot depend on itself"}
		}
		if !moduleNameRE.MatchString(dep) {
			return &InvalidManifestError{
				Module: name,
				Reason: fmt.Sprintf("dependency name %q is not a valid module name", dep),
			}
		}
	}
	return nil
}

// ValidateModuleName enforces the identifier rule and the reserved denylist.
func ValidateModuleName(name string) error {
	if name == "" {
		return &InvalidManifestError{Module: name, Reason: "module name is empty"}
	}
	if len(name) > 64 {
		return &InvalidManifestError{Module: name, Reason: "module name exceeds 64 characters"}
	}
	if !moduleNameRE.MatchString(name) {
		return &InvalidManifestError{
			Module: name,
			Reason: "module name must start with a letter and contain only letters, digits and underscores",
		}
	}
	if reservedNames[strings.ToLower(name)] {
		return &InvalidManifestError{Module: name, Reason: fmt.Sprintf("module name %q is reserved", name)}
	}
	return nil
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
