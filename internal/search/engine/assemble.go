package engine

import (
	"context"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/search/query"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
)

// includes loads the resources named by _include and _revinclude over the
// matched page. Each resource appears at most once across all directives
// and never duplicates a match. Targets that are missing, deleted or
// awaiting reindex are skipped.
func (e *Engine) includes(ctx context.Context, rd store.Reader, plan *query.Plan, matches []store.Resource) ([]store.Resource, error) {
	if len(matches) == 0 || len(plan.Includes)+len(plan.RevIncludes) == 0 {
		return nil, nil
	}

	seen := make(map[store.Key]bool, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		seen[store.Key{Type: m.Type, ID: m.ID}] = true
		ids = append(ids, m.ID)
	}

	var keys []store.Key
	directive := make(map[store.Key]string)
	add := func(k store.Key, d string) {
		if seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, k)
		directive[k] = d
	}

	for _, inc := range plan.Includes {
		edges, err := rd.EdgesFrom(ctx, inc.Source, ids, inc.Param)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if inc.Target != "" && edge.TargetType != inc.Target {
				continue
			}
			add(store.Key{Type: edge.TargetType, ID: edge.TargetID}, registry.ParamInclude)
		}
	}

	for _, rev := range plan.RevIncludes {
		edges, err := rd.EdgesTo(ctx, rev.Source, rev.Param, plan.ResourceType, ids)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			add(store.Key{Type: edge.SourceType, ID: edge.SourceID}, registry.ParamRevInclude)
		}
	}

	if len(keys) == 0 {
		return nil, nil
	}
	found, err := rd.Fetch(ctx, keys)
	if err != nil {
		return nil, err
	}

	if len(found) < len(keys) {
		loaded := make(map[store.Key]bool, len(found))
		for _, r := range found {
			loaded[store.Key{Type: r.Type, ID: r.ID}] = true
		}
		for _, k := range keys {
			if loaded[k] {
				continue
			}
			e.metrics.DanglingInclude(directive[k])
			e.logger.Debug().Str("reference", k.String()).Str("directive", directive[k]).Msg("skipping unresolvable include")
		}
	}
	return found, nil
}

// assemble builds the searchset: matches first in page order, then includes.
func assemble(baseURL string, total int, links []fhir.BundleLink, matches, included []store.Resource) *fhir.Bundle {
	b := fhir.NewSearchset(total)
	b.Link = links
	for _, r := range matches {
		b.AddEntry(baseURL, r.Type, r.ID, r.Document, fhir.SearchModeMatch)
	}
	for _, r := range included {
		b.AddEntry(baseURL, r.Type, r.ID, r.Document, fhir.SearchModeInclude)
	}
	return b
}
