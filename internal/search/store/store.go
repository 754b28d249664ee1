// Package store defines the storage contract of the search engine: resource
// bodies plus their index rows and reference edges, written atomically, and
// read through consistent snapshots.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ehr/fhirsearch/internal/search/builder"
	"github.com/ehr/fhirsearch/internal/search/index"
	"github.com/ehr/fhirsearch/internal/search/predicate"
)

var (
	// ErrNotFound is returned when a resource has never existed.
	ErrNotFound = errors.New("resource not found")
	// ErrDeleted is returned by Get for a deleted resource.
	ErrDeleted = errors.New("resource deleted")
	// ErrStale is returned by Reindex when the resource changed after it
	// was listed as pending.
	ErrStale = errors.New("resource changed since it was read")
	// ErrUnresolvedHas is returned when a Has node reaches a store; the
	// engine must resolve reverse chains first.
	ErrUnresolvedHas = errors.New("unresolved _has in predicate")
)

// Resource is one stored resource version.
type Resource struct {
	Type         string
	ID           string
	Version      int
	Document     json.RawMessage
	LastUpdated  time.Time
	Deleted      bool
	NeedsReindex bool
}

// Live reports whether the resource is visible to searches.
func (r *Resource) Live() bool {
	return !r.Deleted && !r.NeedsReindex
}

// Key identifies a resource.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// Store persists resources with their index rows.
type Store interface {
	// Snapshot opens a consistent read-only view. Callers must Close it.
	Snapshot(ctx context.Context) (Reader, error)
	// Put writes res and replaces all of its index rows and edges with set in
	// one transaction. The stored version is assigned by the store and
	// written back to res. A nil set stores the resource flagged
	// NeedsReindex with no index rows.
	Put(ctx context.Context, res *Resource, set *index.Set) error
	// Delete marks the resource deleted and removes its index rows and
	// outgoing edges. It returns ErrNotFound for unknown resources.
	Delete(ctx context.Context, resourceType, id string) error
	// Get returns the current version of a resource, including ones
	// flagged NeedsReindex.
	Get(ctx context.Context, resourceType, id string) (*Resource, error)
	// PendingReindex lists live-but-unindexed resources.
	PendingReindex(ctx context.Context, limit int) ([]Resource, error)
	// Reindex stores set as the index rows of a pending resource and clears
	// its NeedsReindex flag without creating a new version. It returns
	// ErrStale when res.Version is no longer current.
	Reindex(ctx context.Context, res *Resource, set *index.Set) error
}

// Reader evaluates predicates against one snapshot. Only live resources
// (not deleted, not awaiting reindex) are ever returned or traversed.
// Methods may be called from several goroutines until Close.
type Reader interface {
	// Count returns the number of resources matching q, ignoring paging.
	Count(ctx context.Context, q *builder.Query) (int, error)
	// Find returns one page of matching resources in q's order.
	Find(ctx context.Context, q *builder.Query) ([]Resource, error)
	// IDs returns the ids of every resourceType resource matching where.
	IDs(ctx context.Context, resourceType string, where predicate.Expr) ([]string, error)
	// EdgesFrom returns edges labelled path leaving the given sources.
	EdgesFrom(ctx context.Context, sourceType string, sourceIDs []string, path string) ([]index.Edge, error)
	// EdgesTo returns edges labelled path from live sourceType resources
	// into the given targets.
	EdgesTo(ctx context.Context, sourceType, path, targetType string, targetIDs []string) ([]index.Edge, error)
	// Fetch loads live resources; unknown or non-live keys are omitted.
	Fetch(ctx context.Context, keys []Key) ([]Resource, error)
	Close(ctx context.Context) error
}
