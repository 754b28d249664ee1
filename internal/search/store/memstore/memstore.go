// Package memstore is an in-process implementation of store.Store. It keeps
// resources, index rows and edges in maps guarded by one RWMutex; a
// snapshot holds the read lock until it is closed.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/fhirsearch/internal/search/index"
	"github.com/ehr/fhirsearch/internal/search/store"
)

type rows struct {
	entries    map[string][]index.Value
	composites map[string][][]index.Value
	edges      []index.Edge
}

// Store keeps everything in memory.
type Store struct {
	mu        sync.RWMutex
	resources map[store.Key]*store.Resource
	rows      map[store.Key]*rows
	// incoming indexes edges by their target.
	incoming map[store.Key][]index.Edge
	byType   map[string]map[string]bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		resources: make(map[store.Key]*store.Resource),
		rows:      make(map[store.Key]*rows),
		incoming:  make(map[store.Key][]index.Edge),
		byType:    make(map[string]map[string]bool),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, res *store.Resource, set *index.Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.Key{Type: res.Type, ID: res.ID}
	version := 1
	if prev, ok := s.resources[key]; ok {
		version = prev.Version + 1
	}
	res.Version = version
	res.Deleted = false
	res.NeedsReindex = set == nil

	s.dropRows(key)
	stored := *res
	s.resources[key] = &stored
	if s.byType[res.Type] == nil {
		s.byType[res.Type] = make(map[string]bool)
	}
	s.byType[res.Type][res.ID] = true

	if set != nil {
		s.addRows(key, set)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, resourceType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.Key{Type: resourceType, ID: id}
	prev, ok := s.resources[key]
	if !ok || prev.Deleted {
		return store.ErrNotFound
	}
	s.dropRows(key)
	deleted := *prev
	deleted.Version++
	deleted.Deleted = true
	deleted.NeedsReindex = false
	s.resources[key] = &deleted
	return nil
}

func (s *Store) Get(ctx context.Context, resourceType, id string) (*store.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resources[store.Key{Type: resourceType, ID: id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	if res.Deleted {
		return nil, store.ErrDeleted
	}
	out := *res
	return &out, nil
}

func (s *Store) PendingReindex(ctx context.Context, limit int) ([]store.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Resource
	for _, res := range s.resources {
		if res.NeedsReindex && !res.Deleted {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Reindex(ctx context.Context, res *store.Resource, set *index.Set) error {
	if set == nil {
		return fmt.Errorf("reindex %s/%s: nil index set", res.Type, res.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.Key{Type: res.Type, ID: res.ID}
	cur, ok := s.resources[key]
	if !ok || cur.Deleted {
		return store.ErrNotFound
	}
	if cur.Version != res.Version {
		return store.ErrStale
	}
	s.dropRows(key)
	s.addRows(key, set)
	updated := *cur
	updated.NeedsReindex = false
	s.resources[key] = &updated
	return nil
}

// Snapshot takes the read lock; writers block until the reader is closed.
func (s *Store) Snapshot(ctx context.Context) (store.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	return &reader{s: s}, nil
}

func (s *Store) dropRows(key store.Key) {
	old, ok := s.rows[key]
	if !ok {
		return
	}
	for _, e := range old.edges {
		target := store.Key{Type: e.TargetType, ID: e.TargetID}
		in := s.incoming[target][:0]
		for _, ie := range s.incoming[target] {
			if ie.SourceType != key.Type || ie.SourceID != key.ID {
				in = append(in, ie)
			}
		}
		if len(in) == 0 {
			delete(s.incoming, target)
		} else {
			s.incoming[target] = in
		}
	}
	delete(s.rows, key)
}

func (s *Store) addRows(key store.Key, set *index.Set) {
	r := &rows{
		entries:    make(map[string][]index.Value),
		composites: make(map[string][][]index.Value),
	}
	for _, e := range set.Entries {
		r.entries[e.Param] = append(r.entries[e.Param], e.Value)
	}
	for _, c := range set.Composites {
		r.composites[c.Param] = append(r.composites[c.Param], c.Components)
	}
	r.edges = append(r.edges, set.Edges...)
	for _, e := range set.Edges {
		target := store.Key{Type: e.TargetType, ID: e.TargetID}
		s.incoming[target] = append(s.incoming[target], e)
	}
	s.rows[key] = r
}

// RowCount returns the number of index rows, composite rows and edges held
// for a resource.
func (s *Store) RowCount(resourceType, id string) (entries, composites, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[store.Key{Type: resourceType, ID: id}]
	if !ok {
		return 0, 0, 0
	}
	for _, v := range r.entries {
		entries += len(v)
	}
	for _, v := range r.composites {
		composites += len(v)
	}
	return entries, composites, len(r.edges)
}
