// Package builder turns parsed search plans into predicate trees with
// ordering and paging.
package builder

import (
	"fmt"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/query"
)

// Query is an executable search over one resource type.
type Query struct {
	ResourceType string
	Where        predicate.Expr
	Sort         []predicate.SortKey
	Limit        int
	Offset       int
}

// Build translates a plan. Filter parameters are ANDed in plan order; the
// OR values of one parameter become an Or group.
func Build(plan *query.Plan) (*Query, error) {
	exprs := make([]predicate.Expr, 0, len(plan.Params))
	for i := range plan.Params {
		e, err := paramExpr(plan.ResourceType, &plan.Params[i])
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}

	q := &Query{
		ResourceType: plan.ResourceType,
		Where:        predicate.And{Exprs: exprs},
		Limit:        plan.Count,
		Offset:       plan.Offset,
	}
	for _, s := range plan.Sort {
		q.Sort = append(q.Sort, predicate.SortKey{Param: s.Param, Type: s.Type, Descending: s.Descending})
	}
	return q, nil
}

func paramExpr(resourceType string, p *query.Param) (predicate.Expr, error) {
	switch p.Kind {
	case query.KindSimple:
		return valueExpr(p), nil

	case query.KindChain:
		if p.Chain == nil {
			return nil, fmt.Errorf("build %s: chained parameter without hops", p.Key)
		}
		return chainExpr(p.Chain, valueExpr(p)), nil

	case query.KindHas:
		if p.Has == nil || p.Has.Inner == nil {
			return nil, fmt.Errorf("build %s: _has without inner parameter", p.Key)
		}
		inner, err := paramExpr(p.Has.SourceType, p.Has.Inner)
		if err != nil {
			return nil, err
		}
		return predicate.Has{
			SourceType: p.Has.SourceType,
			RefParam:   p.Has.RefParam,
			TargetType: resourceType,
			Where:      inner,
		}, nil

	case query.KindID:
		return predicate.IDIn{IDs: p.IDs}, nil

	case query.KindLastUpdated:
		exprs := make([]predicate.Expr, 0, len(p.Conds))
		for _, c := range p.Conds {
			dc, ok := c.(predicate.DateCond)
			if !ok {
				return nil, fmt.Errorf("build %s: expected a date condition, got %T", p.Key, c)
			}
			exprs = append(exprs, predicate.LastUpdated{Cond: dc})
		}
		return or(exprs), nil
	}
	return nil, fmt.Errorf("build %s: unknown parameter kind %d", p.Key, p.Kind)
}

// valueExpr builds the condition on the parameter's own index rows.
func valueExpr(p *query.Param) predicate.Expr {
	if p.Missing != nil {
		return predicate.Missing{Param: p.Name, Missing: *p.Missing}
	}

	var exprs []predicate.Expr
	for _, comps := range p.Composites {
		exprs = append(exprs, predicate.Composite{Param: p.Name, Components: comps})
	}
	for _, c := range p.Conds {
		exprs = append(exprs, predicate.Match{Param: p.Name, Cond: c})
	}
	e := or(exprs)
	if p.Negated() {
		return predicate.Not{Expr: e}
	}
	return e
}

// chainExpr wraps terminal in one Chain node per hop target. A second hop
// nests one level deeper.
func chainExpr(hop *query.Hop, terminal predicate.Expr) predicate.Expr {
	branches := make([]predicate.Expr, 0, len(hop.Targets))
	for _, t := range hop.Targets {
		where := terminal
		if t.Next != nil {
			where = chainExpr(t.Next, terminal)
		}
		branches = append(branches, predicate.Chain{
			RefParam:   hop.RefParam,
			TargetType: t.Type,
			Where:      where,
		})
	}
	return or(branches)
}

// CompartmentExpr restricts resourceType to the compartment of ownerID. It
// reports false when the type is not a member of the compartment.
func CompartmentExpr(c *fhir.CompartmentDefinition, ownerID, resourceType string) (predicate.Expr, bool) {
	if !c.Contains(resourceType) {
		return nil, false
	}
	var exprs []predicate.Expr
	if resourceType == c.Type {
		exprs = append(exprs, predicate.IDIn{IDs: []string{ownerID}})
	}
	if params := c.Params(resourceType); len(params) > 0 {
		exprs = append(exprs, predicate.RefersTo{Params: params, TargetType: c.Type, TargetID: ownerID})
	}
	return or(exprs), true
}

func or(exprs []predicate.Expr) predicate.Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return predicate.Or{Exprs: exprs}
}
