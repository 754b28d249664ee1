package engine

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/store"
)

// resolveHas replaces every Has node of where with the IDIn set it denotes.
// All lookups run inside the caller's snapshot; independent nodes are
// resolved concurrently.
func (e *Engine) resolveHas(ctx context.Context, rd store.Reader, where predicate.Expr) (predicate.Expr, error) {
	var nodes []predicate.Has
	predicate.Walk(where, func(x predicate.Expr) {
		if h, ok := x.(predicate.Has); ok {
			nodes = append(nodes, h)
		}
	})
	if len(nodes) == 0 {
		return where, nil
	}

	resolved := make([]predicate.IDIn, len(nodes))
	if len(nodes) == 1 {
		ids, err := hasTargets(ctx, rd, nodes[0])
		if err != nil {
			return nil, err
		}
		resolved[0] = predicate.IDIn{IDs: ids}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.HasParallelism)
		for i, h := range nodes {
			g.Go(func() error {
				ids, err := hasTargets(gctx, rd, h)
				if err != nil {
					return err
				}
				resolved[i] = predicate.IDIn{IDs: ids}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Rewrite visits nodes in the same order as Walk.
	next := 0
	return predicate.Rewrite(where, func(x predicate.Expr) (predicate.Expr, bool) {
		if _, ok := x.(predicate.Has); !ok {
			return nil, false
		}
		r := resolved[next]
		next++
		return r, true
	}), nil
}

// hasTargets returns the ids of TargetType resources referenced through
// RefParam by live SourceType resources matching the inner predicate.
func hasTargets(ctx context.Context, rd store.Reader, h predicate.Has) ([]string, error) {
	sources, err := rd.IDs(ctx, h.SourceType, h.Where)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return []string{}, nil
	}
	edges, err := rd.EdgesFrom(ctx, h.SourceType, sources, h.RefParam)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	ids := []string{}
	for _, edge := range edges {
		if edge.TargetType != h.TargetType || seen[edge.TargetID] {
			continue
		}
		seen[edge.TargetID] = true
		ids = append(ids, edge.TargetID)
	}
	sort.Strings(ids)
	return ids, nil
}
