// SPDX-License-Identifier: Apache-2.0
// Package module discovers and validates target and tool definitions from
// the on-disk module repository. It never mutates the repository.
package module

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samurai-wtf/katana/internal/katanaerr"
)

// Category distinguishes the two module kinds.
type Category string

const (
	CategoryTarget Category = "targets"
	CategoryTool   Category = "tools"
)

// ProxyEntry maps one hostname on a target to a compose service and port.
type ProxyEntry struct {
	Hostname string `yaml:"hostname"`
	Service  string `yaml:"service"`
	Port     int    `yaml:"port"`
}

// Module is a tagged union over target and tool definitions, immutable
// once loaded. Category selects which of the variant-specific fields are
// populated.
type Module struct {
	Name        string   `yaml:"name"`
	Category    Category `yaml:"-"`
	Description string   `yaml:"description"`
	Path        string   `yaml:"-"`

	// Target variant.
	Compose string            `yaml:"compose"`
	Proxy   []ProxyEntry      `yaml:"proxy"`
	Env     map[string]string `yaml:"env"`

	// Tool variant.
	Install             string `yaml:"install"`
	Remove              string `yaml:"remove"`
	Start               string `yaml:"start"`
	Stop                string `yaml:"stop"`
	InstallRequiresRoot bool   `yaml:"install_requires_root"`
}

// IsTarget reports whether m is the target variant.
func (m *Module) IsTarget() bool { return m.Category == CategoryTarget }

// IsTool reports whether m is the tool variant.
func (m *Module) IsTool() bool { return m.Category == CategoryTool }

func validateModule(m *Module, dir string) error {
	if m.Name == "" {
		return katanaerr.New(katanaerr.CodeModule, "module.yml missing required field \"name\"", nil).
			WithContext("path", dir)
	}
	if m.Name != strings.ToLower(m.Name) || strings.ContainsAny(m.Name, " _/") {
		return katanaerr.New(katanaerr.CodeModule, fmt.Sprintf("module name %q must be lowercase kebab-case", m.Name), nil).
			WithContext("path", dir)
	}

	switch m.Category {
	case CategoryTarget:
		if m.Compose == "" {
			return fieldErr(m.Name, dir, "compose", "required for a target module")
		}
		if len(m.Proxy) == 0 {
			return fieldErr(m.Name, dir, "proxy", "target modules require at least one proxy entry")
		}
		for _, p := range m.Proxy {
			if p.Hostname == "" || p.Service == "" || p.Port == 0 {
				return fieldErr(m.Name, dir, "proxy", "each entry requires hostname, service and port")
			}
		}
		if err := validateComposeServices(dir, m.Compose, m.Proxy); err != nil {
			return err
		}
	case CategoryTool:
		if m.Install == "" || m.Remove == "" {
			return fieldErr(m.Name, dir, "install/remove", "required for a tool module")
		}
	}
	return nil
}

func fieldErr(name, dir, field, reason string) error {
	return katanaerr.New(katanaerr.CodeModule, fmt.Sprintf("module %q field %q: %s", name, field, reason), nil).
		WithContext("module", name).
		WithContext("field", field).
		WithContext("path", dir)
}

// Warning describes a module file that was excluded from the catalog.
type Warning struct {
	Path string
	Err  error
}

// Catalog is the loaded, validated set of modules, indexed by
// lowercase name for case-insensitive lookup.
type Catalog struct {
	byName   map[string]*Module
	targets  []*Module
	tools    []*Module
	Warnings []Warning
}

// NewCatalog returns an empty catalog, for assembling one from modules
// obtained outside of Load (tests, synthetic fixtures).
func NewCatalog() *Catalog {
	return &Catalog{byName: make(map[string]*Module)}
}

// Add inserts m into the catalog, indexing it by lowercase name.
func (c *Catalog) Add(m *Module) {
	c.byName[strings.ToLower(m.Name)] = m
	switch m.Category {
	case CategoryTarget:
		c.targets = append(c.targets, m)
	case CategoryTool:
		c.tools = append(c.tools, m)
	}
}

// Load scans modulesDir/{targets,tools}/*/module.yml, parsing and
// validating each one. Malformed files are excluded from the catalog and
// reported in Catalog.Warnings rather than failing the whole load.
func Load(modulesDir string) (*Catalog, error) {
	cat := NewCatalog()

	for _, cat2 := range []Category{CategoryTarget, CategoryTool} {
		dirs, err := filepath.Glob(filepath.Join(modulesDir, string(cat2), "*"))
		if err != nil {
			return nil, katanaerr.New(katanaerr.CodeModule, "glob module directory", err)
		}
		for _, dir := range dirs {
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				continue
			}
			m, err := loadOne(dir, cat2)
			if err != nil {
				cat.Warnings = append(cat.Warnings, Warning{Path: dir, Err: err})
				continue
			}
			if existing, dup := cat.byName[strings.ToLower(m.Name)]; dup {
				cat.Warnings = append(cat.Warnings, Warning{
					Path: dir,
					Err:  fmt.Errorf("duplicate module name %q also defined at %s", m.Name, existing.Path),
				})
				continue
			}
			cat.byName[strings.ToLower(m.Name)] = m
			switch cat2 {
			case CategoryTarget:
				cat.targets = append(cat.targets, m)
			case CategoryTool:
				cat.tools = append(cat.tools, m)
			}
		}
	}
	return cat, nil
}

func loadOne(dir string, category Category) (*Module, error) {
	manifestPath := filepath.Join(dir, "module.yml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", manifestPath, err)
	}

	var m Module
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", manifestPath, err)
	}
	m.Category = category
	m.Path = dir

	if err := validateModule(&m, dir); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadAll returns every module in the catalog.
func (c *Catalog) LoadAll() []*Module {
	all := make([]*Module, 0, len(c.targets)+len(c.tools))
	all = append(all, c.targets...)
	all = append(all, c.tools...)
	return all
}

// LoadByCategory returns every module of the given category.
func (c *Catalog) LoadByCategory(category Category) []*Module {
	switch category {
	case CategoryTarget:
		return append([]*Module(nil), c.targets...)
	case CategoryTool:
		return append([]*Module(nil), c.tools...)
	default:
		return nil
	}
}

// FindModule returns the module with the given name (case-insensitive),
// or nil if none is loaded.
func (c *Catalog) FindModule(name string) *Module {
	return c.byName[strings.ToLower(name)]
}
