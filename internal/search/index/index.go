// Package index derives search index rows and reference edges from resource
// documents. Index is a pure function of the registry and the document; it
// never touches storage.
package index

import (
	"fmt"

	"github.com/ehr/fhirsearch/internal/search/registry"
)

// Index computes the index rows, composite tuples and reference edges of one
// resource. Malformed leaf values are skipped and reported in Set.Warnings.
// An error means the resource as a whole could not be indexed.
func Index(reg *registry.Registry, resourceType, id string, doc registry.Document) (*Set, error) {
	if doc == nil {
		return nil, fmt.Errorf("index %s/%s: empty document", resourceType, id)
	}
	if rt := doc.ResourceType(); rt != resourceType {
		return nil, fmt.Errorf("index %s/%s: document resourceType is %q", resourceType, id, rt)
	}
	if !reg.HasResource(resourceType) {
		return nil, fmt.Errorf("index %s/%s: resource type is not searchable", resourceType, id)
	}

	root := map[string]interface{}(doc)
	set := &Set{ResourceType: resourceType, ResourceID: id}
	x := &extractor{}
	seenEntry := make(map[string]bool)
	seenEdge := make(map[Edge]bool)

	for _, def := range reg.Params(resourceType) {
		switch def.Type {
		case registry.TypeComposite:
			set.Composites = append(set.Composites, x.composites(def, root, resourceType, id)...)

		case registry.TypeReference:
			for _, n := range evalPath(root, def.Path, resourceType) {
				r, ok := x.reference(def, n)
				if !ok {
					continue
				}
				v := Value{RefType: r.Type, RefID: r.ID}
				if k := def.Name + "\x00" + v.key(); !seenEntry[k] {
					seenEntry[k] = true
					set.Entries = append(set.Entries, Entry{
						ResourceType: resourceType, ResourceID: id,
						Param: def.Name, Type: def.Type, Value: v,
					})
				}
				e := Edge{SourceType: resourceType, SourceID: id, Path: def.Name, TargetType: r.Type, TargetID: r.ID}
				if !seenEdge[e] {
					seenEdge[e] = true
					set.Edges = append(set.Edges, e)
				}
			}

		default:
			for _, v := range x.values(def.Name, def.Type, evalPath(root, def.Path, resourceType)) {
				k := def.Name + "\x00" + v.key()
				if seenEntry[k] {
					continue
				}
				seenEntry[k] = true
				set.Entries = append(set.Entries, Entry{
					ResourceType: resourceType, ResourceID: id,
					Param: def.Name, Type: def.Type, Value: v,
				})
			}
		}
	}

	set.Warnings = x.warnings
	return set, nil
}

// composites emits one tuple per combination of component values inside a
// single occurrence of the composite root. Values from different
// occurrences are never combined.
func (x *extractor) composites(def *registry.ParamDef, root map[string]interface{}, resourceType, id string) []CompositeEntry {
	var out []CompositeEntry
	seen := make(map[string]bool)

	for occ, node := range evalPath(root, def.Path, resourceType) {
		perComponent := make([][]Value, len(def.Components))
		complete := true
		for i, c := range def.Components {
			perComponent[i] = x.values(def.Name+"."+c.Name, c.Type, evalPath(node, c.Path, ""))
			if len(perComponent[i]) == 0 {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		for _, tuple := range product(perComponent) {
			k := fmt.Sprint(occ)
			for _, v := range tuple {
				k += "\x01" + v.key()
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, CompositeEntry{
				ResourceType: resourceType,
				ResourceID:   id,
				Param:        def.Name,
				Occurrence:   occ,
				Components:   tuple,
			})
		}
	}
	return out
}

func product(sets [][]Value) [][]Value {
	result := [][]Value{{}}
	for _, set := range sets {
		var next [][]Value
		for _, prefix := range result {
			for _, v := range set {
				tuple := make([]Value, len(prefix), len(prefix)+1)
				copy(tuple, prefix)
				next = append(next, append(tuple, v))
			}
		}
		result = next
	}
	return result
}
