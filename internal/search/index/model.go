package index

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirsearch/internal/search/registry"
)

// Value holds the typed columns of one index row. Only the fields relevant
// to the parameter type are set.
type Value struct {
	// String is the normalized form used for default and :contains matching.
	String string
	// Exact is the original text, used by :exact and uri matching.
	Exact string
	// Number is set for number and quantity parameters.
	Number *decimal.Decimal
	// Start and End are inclusive bounds for date parameters.
	Start *time.Time
	End   *time.Time
	// System and Code carry token values and quantity units.
	System string
	Code   string
	// RefType and RefID carry a canonical reference target.
	RefType string
	RefID   string
}

func (v Value) key() string {
	var sb strings.Builder
	sb.WriteString(v.String)
	sb.WriteByte(0)
	sb.WriteString(v.Exact)
	sb.WriteByte(0)
	if v.Number != nil {
		sb.WriteString(v.Number.String())
	}
	sb.WriteByte(0)
	if v.Start != nil {
		sb.WriteString(v.Start.Format(time.RFC3339Nano))
	}
	sb.WriteByte(0)
	if v.End != nil {
		sb.WriteString(v.End.Format(time.RFC3339Nano))
	}
	fmt.Fprintf(&sb, "\x00%s\x00%s\x00%s\x00%s", v.System, v.Code, v.RefType, v.RefID)
	return sb.String()
}

// Entry is one search index row.
type Entry struct {
	ResourceType string
	ResourceID   string
	Param        string
	Type         registry.ParamType
	Value        Value
}

// CompositeEntry is one correlated tuple of a composite parameter. All
// component values come from the same occurrence of the composite root.
type CompositeEntry struct {
	ResourceType string
	ResourceID   string
	Param        string
	Occurrence   int
	Components   []Value
}

// Edge is a directed reference from a source resource to a target, labelled
// with the reference search parameter that produced it.
type Edge struct {
	SourceType string
	SourceID   string
	Path       string
	TargetType string
	TargetID   string
}

// Set is everything the indexer derived from one resource version.
type Set struct {
	ResourceType string
	ResourceID   string
	Entries      []Entry
	Composites   []CompositeEntry
	Edges        []Edge
	// Warnings lists leaf values that were skipped as malformed.
	Warnings []string
}

// Params returns the distinct parameter names that produced at least one row.
func (s *Set) Params() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, e := range s.Entries {
		add(e.Param)
	}
	for _, c := range s.Composites {
		add(c.Param)
	}
	return out
}
