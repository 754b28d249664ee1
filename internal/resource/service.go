// Package resource is the write path: it validates resource bodies, runs the
// indexer and persists the resource together with its index rows.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/platform/metrics"
	"github.com/ehr/fhirsearch/internal/search/index"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
)

// ValidationError reports a resource body that cannot be accepted.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// Service writes resources and keeps their index rows current.
type Service struct {
	store    store.Store
	registry *registry.Holder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
	indexer  func(reg *registry.Registry, resourceType, id string, doc registry.Document) (*index.Set, error)
}

// NewService creates a write service.
func NewService(st store.Store, reg *registry.Holder, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		registry: reg,
		metrics:  m,
		logger:   logger.With().Str("component", "indexer").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
		indexer:  index.Index,
	}
}

// Create stores a new resource under a server-assigned id.
func (s *Service) Create(ctx context.Context, resourceType string, body []byte) (*store.Resource, error) {
	reg := s.registry.Load()
	doc, err := reg.Validate(body, resourceType)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	id := s.newID()
	doc["id"] = id
	return s.write(ctx, reg, resourceType, id, doc)
}

// Update creates or replaces the resource with the given id.
func (s *Service) Update(ctx context.Context, resourceType, id string, body []byte) (*store.Resource, error) {
	if !fhir.IsValidID(id) {
		return nil, invalid("invalid resource id %q", id)
	}
	reg := s.registry.Load()
	doc, err := reg.Validate(body, resourceType)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	if bodyID := doc.ID(); bodyID != "" && bodyID != id {
		return nil, invalid("resource id %q does not match %q", bodyID, id)
	}
	doc["id"] = id
	return s.write(ctx, reg, resourceType, id, doc)
}

// Delete removes a resource from every search path.
func (s *Service) Delete(ctx context.Context, resourceType, id string) error {
	if err := s.store.Delete(ctx, resourceType, id); err != nil {
		return err
	}
	s.logger.Debug().Str("resource", fhir.FormatReference(resourceType, id)).Msg("resource deleted")
	return nil
}

// Read returns the current version of a resource.
func (s *Service) Read(ctx context.Context, resourceType, id string) (*store.Resource, error) {
	return s.store.Get(ctx, resourceType, id)
}

func (s *Service) write(ctx context.Context, reg *registry.Registry, resourceType, id string, doc registry.Document) (*store.Resource, error) {
	// Microsecond resolution, as PostgreSQL stores it.
	now := s.now().UTC().Truncate(time.Microsecond)
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["lastUpdated"] = now.Format(time.RFC3339Nano)
	doc["meta"] = meta

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", resourceType, id, err)
	}

	set, err := s.index(reg, resourceType, id, doc)
	if err != nil {
		// The write still succeeds; the resource stays out of search
		// results until reindexed.
		s.logger.Error().Err(err).Str("resource", fhir.FormatReference(resourceType, id)).Msg("indexing failed, resource flagged for reindex")
		s.metrics.IndexFailure(resourceType)
		set = nil
	}

	res := &store.Resource{Type: resourceType, ID: id, Document: raw, LastUpdated: now}
	if err := s.store.Put(ctx, res, set); err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", resourceType, id, err)
	}
	return res, nil
}

// index runs the indexer, converting a panic into an error so a single bad
// document cannot fail the write.
func (s *Service) index(reg *registry.Registry, resourceType, id string, doc registry.Document) (set *index.Set, err error) {
	defer func() {
		if r := recover(); r != nil {
			set, err = nil, fmt.Errorf("index %s/%s: panic: %v", resourceType, id, r)
		}
	}()
	set, err = s.indexer(reg, resourceType, id, doc)
	if err != nil {
		return nil, err
	}
	if len(set.Warnings) > 0 {
		s.metrics.IndexWarnings(resourceType, len(set.Warnings))
		s.logger.Warn().
			Str("resource", fhir.FormatReference(resourceType, id)).
			Strs("warnings", set.Warnings).
			Msg("skipped malformed values while indexing")
	}
	return set, nil
}

// Reindex indexes resources flagged NeedsReindex, batch at a time, until
// none are left or the remaining ones keep failing. It returns the number
// of resources repaired.
func (s *Service) Reindex(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	reg := s.registry.Load()
	failed := make(map[store.Key]bool)
	repaired := 0

	for {
		pending, err := s.store.PendingReindex(ctx, batch+len(failed))
		if err != nil {
			return repaired, fmt.Errorf("list pending reindex: %w", err)
		}
		progressed := false
		for i := range pending {
			res := &pending[i]
			key := store.Key{Type: res.Type, ID: res.ID}
			if failed[key] {
				continue
			}
			if err := s.reindexOne(ctx, reg, res); err != nil {
				if ctx.Err() != nil {
					return repaired, ctx.Err()
				}
				s.logger.Error().Err(err).Str("resource", key.String()).Msg("reindex failed")
				failed[key] = true
				continue
			}
			repaired++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	s.metrics.Reindexed(repaired)
	s.logger.Info().Int("repaired", repaired).Int("failed", len(failed)).Msg("reindex pass finished")
	return repaired, nil
}

func (s *Service) reindexOne(ctx context.Context, reg *registry.Registry, res *store.Resource) error {
	doc, err := registry.Decode(res.Document)
	if err != nil {
		return err
	}
	set, err := s.index(reg, res.Type, res.ID, doc)
	if err != nil {
		return err
	}
	err = s.store.Reindex(ctx, res, set)
	if errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrNotFound) {
		// A concurrent write or delete already replaced the rows.
		return nil
	}
	return err
}
