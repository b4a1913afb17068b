// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package analysis

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Descriptor is a registered stage kind.
type Descriptor struct {
	Name        string
	Description string
	Factory     Factory
}

// Registry maps stage names to their constructors. It is populated
// once at process start and read-only afterwards.
type Registry struct {
	stages map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Descriptor)}
}

// Register adds a stage kind. It panics if name is empty or already
// registered, since both are programming errors.
func (r *Registry) Register(name, description string, f Factory) {
	if name == "" || f == nil {
		panic("analysis: invalid stage registration")
	}
	if _, ok := r.stages[name]; ok {
		panic("analysis: stage " + name + " registered twice")
	}
	r.stages[name] = Descriptor{Name: name, Description: description, Factory: f}
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.stages[name]
	return d, ok
}

// Descriptors returns all registered stage kinds sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	ds := make([]Descriptor, 0, len(r.stages))
	for _, d := range r.stages {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
	return ds
}

// New looks up name and returns an uninitialized Instance of it.
func (r *Registry) New(name string) (*Instance, error) {
	d, ok := r.Lookup(name)
	if !ok {
		names := make([]string, 0, len(r.stages))
		for _, d := range r.Descriptors() {
			names = append(names, d.Name)
		}
		return nil, errors.Errorf("unknown stage %q (available: %s)", name, strings.Join(names, ", "))
	}
	return newInstance(d), nil
}
