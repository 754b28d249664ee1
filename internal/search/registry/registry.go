// Package registry holds the search parameter definitions for every
// searchable resource type. A Registry is immutable once built; reloads
// construct a new one and swap it in through a Holder.
package registry

import (
	"fmt"
	"sort"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

// ParamType is the FHIR search parameter type.
type ParamType string

const (
	TypeNumber    ParamType = "number"
	TypeDate      ParamType = "date"
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeReference ParamType = "reference"
	TypeComposite ParamType = "composite"
	TypeQuantity  ParamType = "quantity"
	TypeURI       ParamType = "uri"
)

var validTypes = map[ParamType]bool{
	TypeNumber:    true,
	TypeDate:      true,
	TypeString:    true,
	TypeToken:     true,
	TypeReference: true,
	TypeComposite: true,
	TypeQuantity:  true,
	TypeURI:       true,
}

// Ordered reports whether values of the type support comparator prefixes.
func (t ParamType) Ordered() bool {
	return t == TypeNumber || t == TypeDate || t == TypeQuantity
}

// Control parameters recognized on every resource type.
const (
	ParamID          = "_id"
	ParamLastUpdated = "_lastUpdated"
	ParamCount       = "_count"
	ParamOffset      = "_offset"
	ParamSort        = "_sort"
	ParamInclude     = "_include"
	ParamRevInclude  = "_revinclude"
	ParamHas         = "_has"
	ParamSummary     = "_summary"
)

var controlParams = map[string]bool{
	ParamID:          true,
	ParamLastUpdated: true,
	ParamCount:       true,
	ParamOffset:      true,
	ParamSort:        true,
	ParamInclude:     true,
	ParamRevInclude:  true,
	ParamHas:         true,
	ParamSummary:     true,
}

// IsControl reports whether name is a control parameter.
func IsControl(name string) bool {
	return controlParams[name]
}

// Component is one part of a composite parameter. Path is relative to the
// composite's root element.
type Component struct {
	Name string
	Type ParamType
	Path string
}

// ParamDef describes a single search parameter.
//
// Path is a dotted element path relative to the resource root; alternatives
// are separated by '|'. For composites Path names the repeating root element
// whose occurrences are correlated ("" means the resource itself).
type ParamDef struct {
	Resource    string
	Name        string
	Type        ParamType
	Path        string
	Targets     []string
	Components  []Component
	Description string
}

// AllowsTarget reports whether a reference parameter may point at the type.
func (d *ParamDef) AllowsTarget(resourceType string) bool {
	for _, t := range d.Targets {
		if t == resourceType {
			return true
		}
	}
	return false
}

// SingleTarget returns the only target type, or "" when the reference is
// polymorphic.
func (d *ParamDef) SingleTarget() string {
	if len(d.Targets) == 1 {
		return d.Targets[0]
	}
	return ""
}

func (d *ParamDef) validate() error {
	if d.Resource == "" || d.Name == "" {
		return fmt.Errorf("search parameter requires a resource and a name")
	}
	if !validTypes[d.Type] {
		return fmt.Errorf("%s.%s: unsupported type %q", d.Resource, d.Name, d.Type)
	}
	if d.Path != "" && !isPlainPath(d.Path) {
		return fmt.Errorf("%s.%s: expression %q is not an element path", d.Resource, d.Name, d.Path)
	}
	switch d.Type {
	case TypeReference:
		if len(d.Targets) == 0 {
			return fmt.Errorf("%s.%s: reference parameter has no targets", d.Resource, d.Name)
		}
	case TypeComposite:
		if len(d.Components) < 2 {
			return fmt.Errorf("%s.%s: composite parameter needs at least two components", d.Resource, d.Name)
		}
		for _, c := range d.Components {
			if c.Type == TypeComposite || c.Type == TypeReference || !validTypes[c.Type] {
				return fmt.Errorf("%s.%s: invalid component %s of type %q", d.Resource, d.Name, c.Name, c.Type)
			}
			if c.Path == "" {
				return fmt.Errorf("%s.%s: component %s has no path", d.Resource, d.Name, c.Name)
			}
			if !isPlainPath(c.Path) {
				return fmt.Errorf("%s.%s: component %s expression %q is not an element path", d.Resource, d.Name, c.Name, c.Path)
			}
		}
		return nil
	}
	if d.Path == "" {
		return fmt.Errorf("%s.%s: missing element path", d.Resource, d.Name)
	}
	return nil
}

// Registry maps resource type -> parameter name -> definition.
type Registry struct {
	params       map[string]map[string]*ParamDef
	compartments map[string]*fhir.CompartmentDefinition
}

// New builds a registry. Later definitions replace earlier ones with the
// same resource and name.
func New(defs []ParamDef, compartments ...fhir.CompartmentDefinition) (*Registry, error) {
	r := &Registry{
		params:       make(map[string]map[string]*ParamDef),
		compartments: make(map[string]*fhir.CompartmentDefinition),
	}
	for i := range defs {
		d := defs[i]
		if err := d.validate(); err != nil {
			return nil, err
		}
		if len(d.Name) > 0 && d.Name[0] == '_' {
			return nil, fmt.Errorf("%s.%s: names starting with '_' are reserved", d.Resource, d.Name)
		}
		byName, ok := r.params[d.Resource]
		if !ok {
			byName = make(map[string]*ParamDef)
			r.params[d.Resource] = byName
		}
		byName[d.Name] = &d
	}
	for i := range compartments {
		c := compartments[i]
		r.compartments[c.Type] = &c
	}
	return r, nil
}

// Lookup returns the definition of name on resourceType.
func (r *Registry) Lookup(resourceType, name string) (*ParamDef, bool) {
	d, ok := r.params[resourceType][name]
	return d, ok
}

// HasResource reports whether the resource type has any declared parameter.
func (r *Registry) HasResource(resourceType string) bool {
	_, ok := r.params[resourceType]
	return ok
}

// ResourceTypes returns the declared resource types in sorted order.
func (r *Registry) ResourceTypes() []string {
	types := make([]string, 0, len(r.params))
	for t := range r.params {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Params returns the definitions for a resource type sorted by name.
func (r *Registry) Params(resourceType string) []*ParamDef {
	byName := r.params[resourceType]
	defs := make([]*ParamDef, 0, len(byName))
	for _, d := range byName {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Compartment returns the compartment definition owned by resourceType.
func (r *Registry) Compartment(resourceType string) (*fhir.CompartmentDefinition, bool) {
	c, ok := r.compartments[resourceType]
	return c, ok
}

// Defs returns a copy of every definition, ordered by resource then name.
func (r *Registry) Defs() []ParamDef {
	var out []ParamDef
	for _, t := range r.ResourceTypes() {
		for _, d := range r.Params(t) {
			out = append(out, *d)
		}
	}
	return out
}

func (r *Registry) compartmentList() []fhir.CompartmentDefinition {
	out := make([]fhir.CompartmentDefinition, 0, len(r.compartments))
	for _, c := range r.compartments {
		out = append(out, *c)
	}
	return out
}
