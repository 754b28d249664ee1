// Package predicate defines the storage-independent search expression tree
// produced by the query builder and evaluated by the stores.
package predicate

import (
	"github.com/ehr/fhirsearch/internal/search/registry"
)

// Expr is a node of a search predicate over resources of one type.
type Expr interface {
	expr()
}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Exprs []Expr
}

// Or matches when any child matches. An empty Or matches nothing.
type Or struct {
	Exprs []Expr
}

// Not negates its child.
type Not struct {
	Expr Expr
}

// Match requires at least one index row of Param satisfying Cond.
type Match struct {
	Param string
	Cond  Cond
}

// Missing tests for the absence (Missing=true) or presence of any index
// row for Param, regardless of value.
type Missing struct {
	Param   string
	Missing bool
}

// Composite requires a single composite row of Param whose components
// satisfy Components positionally.
type Composite struct {
	Param      string
	Components []Cond
}

// Chain follows reference edges labelled RefParam to live resources of
// TargetType and requires one of them to satisfy Where.
type Chain struct {
	RefParam   string
	TargetType string
	Where      Expr
}

// Has requires a live SourceType resource satisfying Where that references
// the candidate through RefParam. The engine resolves Has into IDIn before
// a store sees the expression.
type Has struct {
	SourceType string
	RefParam   string
	TargetType string
	Where      Expr
}

// IDIn restricts matches to the listed logical ids.
type IDIn struct {
	IDs []string
}

// LastUpdated compares the resource's last update instant.
type LastUpdated struct {
	Cond DateCond
}

// RefersTo requires an edge labelled with one of Params that points at
// TargetType/TargetID. Used for compartment membership.
type RefersTo struct {
	Params     []string
	TargetType string
	TargetID   string
}

func (And) expr()         {}
func (Or) expr()          {}
func (Not) expr()         {}
func (Match) expr()       {}
func (Missing) expr()     {}
func (Composite) expr()   {}
func (Chain) expr()       {}
func (Has) expr()         {}
func (IDIn) expr()        {}
func (LastUpdated) expr() {}
func (RefersTo) expr()    {}

// SortKey orders results by a parameter's indexed value. Ascending sorts use
// the smallest value a resource has for the parameter, descending the
// largest. Resources without a value sort last; ties break on id.
type SortKey struct {
	Param      string
	Type       registry.ParamType
	Descending bool
}

// Walk calls fn for e and every descendant in depth-first order. Walk does
// not descend into Chain or Has bodies, which are evaluated against other
// resource types.
func Walk(e Expr, fn func(Expr)) {
	fn(e)
	switch n := e.(type) {
	case And:
		for _, c := range n.Exprs {
			Walk(c, fn)
		}
	case Or:
		for _, c := range n.Exprs {
			Walk(c, fn)
		}
	case Not:
		Walk(n.Expr, fn)
	}
}

// Rewrite returns a copy of e where every node for which fn returns a
// replacement is substituted. Chain and Has bodies are not visited.
func Rewrite(e Expr, fn func(Expr) (Expr, bool)) Expr {
	if r, ok := fn(e); ok {
		return r
	}
	switch n := e.(type) {
	case And:
		out := make([]Expr, len(n.Exprs))
		for i, c := range n.Exprs {
			out[i] = Rewrite(c, fn)
		}
		return And{Exprs: out}
	case Or:
		out := make([]Expr, len(n.Exprs))
		for i, c := range n.Exprs {
			out[i] = Rewrite(c, fn)
		}
		return Or{Exprs: out}
	case Not:
		return Not{Expr: Rewrite(n.Expr, fn)}
	}
	return e
}
