// Package registry loads target library definitions (branch universe size,
// API call table, critical-call registry) from a YAML file.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/tane/internal/model"
)

// File is the on-disk layout of a targets file:
//
//	targets:
//	  - name: cJSON
//	    version: 1.7.18
//	    universe_size: 4096
//	    calls: [cJSON_Parse, cJSON_Print, cJSON_Delete]
//	    critical: [cJSON_Parse, cJSON_Delete]
type File struct {
	Targets []TargetDef `yaml:"targets"`
}

// TargetDef is one target library entry.
type TargetDef struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	UniverseSize uint32   `yaml:"universe_size"`
	Calls        []string `yaml:"calls"`
	Critical     []string `yaml:"critical"`
}

// Registry is an immutable set of target libraries keyed by name.
type Registry struct {
	targets map[string]*model.TargetLibrary
}

// New builds a Registry from already-constructed libraries. Duplicate names
// are rejected.
func New(libs ...*model.TargetLibrary) (*Registry, error) {
	r := &Registry{targets: make(map[string]*model.TargetLibrary, len(libs))}
	for _, lib := range libs {
		if _, dup := r.targets[lib.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate target %q", lib.Name)
		}
		r.targets[lib.Name] = lib
	}
	return r, nil
}

// Load reads and parses a YAML targets file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes a targets document.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	if len(f.Targets) == 0 {
		return nil, fmt.Errorf("no targets defined")
	}
	libs := make([]*model.TargetLibrary, 0, len(f.Targets))
	for i, def := range f.Targets {
		lib, err := model.NewTargetLibrary(def.Name, def.Version, def.UniverseSize, def.Calls, def.Critical)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		libs = append(libs, lib)
	}
	return New(libs...)
}

// Get returns the library registered under name.
func (r *Registry) Get(name string) (*model.TargetLibrary, bool) {
	lib, ok := r.targets[name]
	return lib, ok
}

// Names returns the registered target names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.targets))
	for n := range r.targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len is the number of registered targets.
func (r *Registry) Len() int { return len(r.targets) }
