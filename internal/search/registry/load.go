package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

// SearchParameterResource is the subset of the FHIR SearchParameter resource
// read from a registry file.
type SearchParameterResource struct {
	ResourceType string                 `json:"resourceType,omitempty"`
	Code         string                 `json:"code"`
	Base         []string               `json:"base"`
	Type         string                 `json:"type"`
	Expression   string                 `json:"expression,omitempty"`
	Target       []string               `json:"target,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Component    []SearchParamComponent `json:"component,omitempty"`
}

// SearchParamComponent declares one component of a composite parameter.
// Code and Type are extensions over the FHIR shape, which only carries a
// canonical reference to the component definition.
type SearchParamComponent struct {
	Code       string `json:"code"`
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// LoadFile reads a JSON array of SearchParameter resources and returns a new
// registry holding base's definitions overlaid with the file's.
func LoadFile(path string, base *Registry) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file %s: %w", path, err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", path, err)
	}
	var all []ParamDef
	if base != nil {
		all = base.Defs()
	}
	all = append(all, defs...)

	var comps []fhir.CompartmentDefinition
	if base != nil {
		comps = base.compartmentList()
	}
	return New(all, comps...)
}

// ParseDefinitions converts SearchParameter resources into definitions, one
// per base resource type.
func ParseDefinitions(data []byte) ([]ParamDef, error) {
	var resources []SearchParameterResource
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, err
	}

	var defs []ParamDef
	for i, sp := range resources {
		if sp.ResourceType != "" && sp.ResourceType != "SearchParameter" {
			return nil, fmt.Errorf("entry %d: unexpected resourceType %q", i, sp.ResourceType)
		}
		if sp.Code == "" || len(sp.Base) == 0 {
			return nil, fmt.Errorf("entry %d: code and base are required", i)
		}
		expr, err := compileExpression(sp.Expression)
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, sp.Code, err)
		}
		compExprs := make([]string, len(sp.Component))
		for j, c := range sp.Component {
			if compExprs[j], err = compileExpression(c.Expression); err != nil {
				return nil, fmt.Errorf("entry %d (%s) component %s: %w", i, sp.Code, c.Code, err)
			}
		}
		for _, base := range sp.Base {
			d := ParamDef{
				Resource:    base,
				Name:        sp.Code,
				Type:        ParamType(sp.Type),
				Path:        stripBase(expr, base),
				Targets:     sp.Target,
				Description: sp.Description,
			}
			for j, c := range sp.Component {
				d.Components = append(d.Components, Component{
					Name: c.Code,
					Type: ParamType(c.Type),
					Path: stripBase(compExprs[j], base),
				})
			}
			if err := d.validate(); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			defs = append(defs, d)
		}
	}
	return defs, nil
}

// stripBase turns "Patient.name.family | Practitioner.name.family" into
// "name.family" for base Patient. Alternatives rooted at another resource
// type are dropped.
func stripBase(expr, base string) string {
	parts := strings.Split(expr, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == base {
			continue
		}
		if rest, ok := strings.CutPrefix(p, base+"."); ok {
			out = append(out, rest)
			continue
		}
		head, _, _ := strings.Cut(p, ".")
		if fhir.IsResourceTypeName(head) {
			continue
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "|")
}
