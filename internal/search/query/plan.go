// Package query parses FHIR search query strings into validated plans.
package query

import (
	"fmt"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/registry"
)

// ParseError reports malformed search input: an unknown parameter, a
// modifier the parameter's type does not accept, bad composite arity, an
// over-deep chain or an unparseable value.
type ParseError struct {
	Param  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid search parameter %q: %s", e.Param, e.Reason)
}

// PlanError reports a structurally valid query the engine will not plan,
// such as a nested _has.
type PlanError struct {
	Param  string
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("unsupported search %q: %s", e.Param, e.Reason)
}

func parseErrorf(param, format string, args ...interface{}) *ParseError {
	return &ParseError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

// Summary is the requested _summary mode.
type Summary string

const (
	SummaryNone  Summary = ""
	SummaryCount Summary = "count"
	SummaryFalse Summary = "false"
)

// Plan is the validated form of one search request.
type Plan struct {
	ResourceType string
	// Params are ANDed filters in request order.
	Params      []Param
	Count       int
	Offset      int
	Sort        []SortSpec
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
	Summary     Summary
	// Canonical holds every recognized pair except _count and _offset, in
	// request order, for building paging links.
	Canonical []fhir.QueryPair
}

// CountOnly reports whether the request asks for the total only.
func (p *Plan) CountOnly() bool {
	return p.Summary == SummaryCount || p.Count == 0
}

// Kind classifies a filter parameter.
type Kind int

const (
	KindSimple Kind = iota
	KindChain
	KindHas
	KindID
	KindLastUpdated
)

// Param is one ANDed filter. Its OR values are held in Conds, or in
// Composites for composite parameters.
type Param struct {
	// Key is the parameter key as sent, including modifiers and chain.
	Key      string
	Kind     Kind
	Name     string
	Type     registry.ParamType
	Modifier fhir.SearchModifier
	// Missing is set for :missing searches; Conds is then empty.
	Missing    *bool
	Conds      []predicate.Cond
	Composites [][]predicate.Cond
	IDs        []string
	Chain      *Hop
	Has        *HasClause
}

// Negated reports whether the parameter uses :not.
func (p *Param) Negated() bool {
	return p.Modifier == fhir.ModifierNot
}

// Hop is one reference step of a chained parameter.
type Hop struct {
	RefParam string
	Targets  []HopTarget
}

// HopTarget is one resource type a hop can land on. Next is set when the
// chain continues; otherwise Terminal names the parameter evaluated on
// the target.
type HopTarget struct {
	Type     string
	Next     *Hop
	Terminal *registry.ParamDef
}

// HasClause is a parsed _has:SourceType:refParam:inner parameter.
type HasClause struct {
	SourceType string
	RefParam   string
	Inner      *Param
}

// SortSpec is one _sort key.
type SortSpec struct {
	Param      string
	Type       registry.ParamType
	Descending bool
}

// IncludeSpec is one _include or _revinclude directive. For _include
// Source is the searched type; for _revinclude it is the referencing type.
type IncludeSpec struct {
	Source string
	Param  string
	// Target optionally narrows the referenced type.
	Target string
}

// Options bound paging values.
type Options struct {
	DefaultCount int
	MaxCount     int
}

// DefaultOptions are used when Parse receives a zero Options.
var DefaultOptions = Options{DefaultCount: 20, MaxCount: 1000}
