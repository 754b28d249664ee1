package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirsearch/internal/search/builder"
	"github.com/ehr/fhirsearch/internal/search/index"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
)

type reader struct {
	s      *Store
	closed bool
}

func (r *reader) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.s.mu.RUnlock()
	return nil
}

func (r *reader) Count(ctx context.Context, q *builder.Query) (int, error) {
	keys, err := r.match(ctx, q.ResourceType, q.Where)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *reader) Find(ctx context.Context, q *builder.Query) ([]store.Resource, error) {
	keys, err := r.match(ctx, q.ResourceType, q.Where)
	if err != nil {
		return nil, err
	}
	r.order(keys, q.Sort)

	if q.Offset >= len(keys) {
		return []store.Resource{}, nil
	}
	keys = keys[q.Offset:]
	if q.Limit >= 0 && len(keys) > q.Limit {
		keys = keys[:q.Limit]
	}
	out := make([]store.Resource, 0, len(keys))
	for _, k := range keys {
		out = append(out, *r.s.resources[k])
	}
	return out, nil
}

func (r *reader) IDs(ctx context.Context, resourceType string, where predicate.Expr) ([]string, error) {
	keys, err := r.match(ctx, resourceType, where)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}
	return ids, nil
}

func (r *reader) EdgesFrom(ctx context.Context, sourceType string, sourceIDs []string, path string) ([]index.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []index.Edge
	for _, id := range sourceIDs {
		key := store.Key{Type: sourceType, ID: id}
		if !r.live(key) {
			continue
		}
		for _, e := range r.s.rows[key].edges {
			if e.Path == path {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (r *reader) EdgesTo(ctx context.Context, sourceType, path, targetType string, targetIDs []string) ([]index.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []index.Edge
	for _, id := range targetIDs {
		for _, e := range r.s.incoming[store.Key{Type: targetType, ID: id}] {
			if e.SourceType != sourceType || e.Path != path {
				continue
			}
			if r.live(store.Key{Type: e.SourceType, ID: e.SourceID}) {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (r *reader) Fetch(ctx context.Context, keys []store.Key) ([]store.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]store.Resource, 0, len(keys))
	for _, k := range keys {
		if r.live(k) {
			out = append(out, *r.s.resources[k])
		}
	}
	return out, nil
}

func (r *reader) live(k store.Key) bool {
	res, ok := r.s.resources[k]
	return ok && res.Live()
}

// match returns the keys of live resourceType resources satisfying where,
// ordered by id.
func (r *reader) match(ctx context.Context, resourceType string, where predicate.Expr) ([]store.Key, error) {
	var out []store.Key
	for id := range r.s.byType[resourceType] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := store.Key{Type: resourceType, ID: id}
		if !r.live(key) {
			continue
		}
		ok, err := r.eval(key, where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *reader) eval(key store.Key, e predicate.Expr) (bool, error) {
	if e == nil {
		return true, nil
	}
	rows := r.s.rows[key]
	switch n := e.(type) {
	case predicate.And:
		for _, c := range n.Exprs {
			ok, err := r.eval(key, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case predicate.Or:
		for _, c := range n.Exprs {
			ok, err := r.eval(key, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case predicate.Not:
		ok, err := r.eval(key, n.Expr)
		return !ok, err

	case predicate.Match:
		if rows == nil {
			return false, nil
		}
		for _, v := range rows.entries[n.Param] {
			if n.Cond.Matches(v) {
				return true, nil
			}
		}
		return false, nil

	case predicate.Missing:
		present := rows != nil && (len(rows.entries[n.Param]) > 0 || len(rows.composites[n.Param]) > 0)
		return present != n.Missing, nil

	case predicate.Composite:
		if rows == nil {
			return false, nil
		}
		for _, tuple := range rows.composites[n.Param] {
			if compositeMatches(tuple, n.Components) {
				return true, nil
			}
		}
		return false, nil

	case predicate.Chain:
		if rows == nil {
			return false, nil
		}
		for _, edge := range rows.edges {
			if edge.Path != n.RefParam || edge.TargetType != n.TargetType {
				continue
			}
			target := store.Key{Type: edge.TargetType, ID: edge.TargetID}
			if !r.live(target) {
				continue
			}
			ok, err := r.eval(target, n.Where)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case predicate.RefersTo:
		if rows == nil {
			return false, nil
		}
		for _, edge := range rows.edges {
			if edge.TargetType != n.TargetType || edge.TargetID != n.TargetID {
				continue
			}
			for _, p := range n.Params {
				if edge.Path == p {
					return true, nil
				}
			}
		}
		return false, nil

	case predicate.IDIn:
		for _, id := range n.IDs {
			if id == key.ID {
				return true, nil
			}
		}
		return false, nil

	case predicate.LastUpdated:
		return n.Cond.MatchesInstant(r.s.resources[key].LastUpdated), nil

	case predicate.Has:
		return false, store.ErrUnresolvedHas
	}
	return false, fmt.Errorf("memstore: unsupported predicate %T", e)
}

func compositeMatches(tuple []index.Value, conds []predicate.Cond) bool {
	if len(tuple) != len(conds) {
		return false
	}
	for i, c := range conds {
		if !c.Matches(tuple[i]) {
			return false
		}
	}
	return true
}

// sortValue is one resource's key for one sort parameter.
type sortValue struct {
	present bool
	str     string
	num     *decimal.Decimal
	t       time.Time
}

func (a sortValue) less(b sortValue) bool {
	switch {
	case !a.t.IsZero() || !b.t.IsZero():
		return a.t.Before(b.t)
	case a.num != nil && b.num != nil:
		return a.num.Cmp(*b.num) < 0
	default:
		return a.str < b.str
	}
}

func (r *reader) order(keys []store.Key, sortKeys []predicate.SortKey) {
	if len(sortKeys) == 0 {
		return
	}
	vals := make(map[store.Key][]sortValue, len(keys))
	for _, k := range keys {
		vs := make([]sortValue, len(sortKeys))
		for i, sk := range sortKeys {
			vs[i] = r.sortValue(k, sk)
		}
		vals[k] = vs
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := vals[keys[i]], vals[keys[j]]
		for n, sk := range sortKeys {
			va, vb := a[n], b[n]
			if va.present != vb.present {
				return va.present
			}
			if !va.present {
				continue
			}
			if va.less(vb) {
				return !sk.Descending
			}
			if vb.less(va) {
				return sk.Descending
			}
		}
		return keys[i].ID < keys[j].ID
	})
}

func (r *reader) sortValue(k store.Key, sk predicate.SortKey) sortValue {
	switch sk.Param {
	case registry.ParamID:
		return sortValue{present: true, str: k.ID}
	case registry.ParamLastUpdated:
		return sortValue{present: true, t: r.s.resources[k].LastUpdated}
	}
	rows := r.s.rows[k]
	if rows == nil {
		return sortValue{}
	}
	var best sortValue
	for _, v := range rows.entries[sk.Param] {
		cand, ok := valueKey(v, sk.Type, sk.Descending)
		if !ok {
			continue
		}
		if !best.present {
			best = cand
			continue
		}
		if sk.Descending && best.less(cand) || !sk.Descending && cand.less(best) {
			best = cand
		}
	}
	return best
}

// valueKey returns the sort key of one index value. Dates sort ascending by
// the start of their range and descending by its end.
func valueKey(v index.Value, typ registry.ParamType, descending bool) (sortValue, bool) {
	switch typ {
	case registry.TypeDate:
		if descending && v.End != nil {
			return sortValue{present: true, t: *v.End}, true
		}
		if v.Start == nil {
			return sortValue{}, false
		}
		return sortValue{present: true, t: *v.Start}, true
	case registry.TypeNumber, registry.TypeQuantity:
		if v.Number == nil {
			return sortValue{}, false
		}
		return sortValue{present: true, num: v.Number}, true
	case registry.TypeToken:
		return sortValue{present: v.Code != "", str: v.Code}, v.Code != ""
	case registry.TypeReference:
		s := v.RefType + "/" + v.RefID
		return sortValue{present: true, str: s}, v.RefID != ""
	case registry.TypeURI:
		return sortValue{present: v.Exact != "", str: v.Exact}, v.Exact != ""
	default:
		return sortValue{present: true, str: strings.ToLower(v.String)}, true
	}
}
