// Package engine executes searches: it parses and builds the query, resolves
// reverse chains, runs the match and count queries inside one store snapshot
// and assembles the searchset bundle with its included resources.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/platform/metrics"
	"github.com/ehr/fhirsearch/internal/search/builder"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/query"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
)

// ExecutionError reports a storage failure while a search ran. No partial
// result is returned with it.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("search %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func execErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecutionError{Op: op, Err: err}
}

// Options tunes paging and reverse-chain resolution.
type Options struct {
	DefaultCount int
	MaxCount     int
	// HasParallelism bounds concurrent _has resolutions per request.
	HasParallelism int
}

// Compartment scopes a search to the compartment of one resource, such as
// Patient/123.
type Compartment struct {
	Type string
	ID   string
}

// Request is one search.
type Request struct {
	ResourceType string
	RawQuery     string
	// BaseURL is the server base, e.g. "http://localhost:8000/fhir".
	BaseURL     string
	Compartment *Compartment
}

// Engine runs searches against a store.
type Engine struct {
	store    store.Store
	registry *registry.Holder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     Options
}

// New creates an engine. A nil metrics value disables metrics.
func New(st store.Store, reg *registry.Holder, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Engine {
	if opts.HasParallelism <= 0 {
		opts.HasParallelism = 4
	}
	return &Engine{
		store:    st,
		registry: reg,
		metrics:  m,
		logger:   logger.With().Str("component", "engine").Logger(),
		opts:     opts,
	}
}

// Search executes req and returns a searchset bundle. Errors are
// *query.ParseError or *query.PlanError for invalid requests and
// *ExecutionError for failures while running; a cancelled or expired
// context aborts the whole search.
func (e *Engine) Search(ctx context.Context, req Request) (*fhir.Bundle, error) {
	start := time.Now()
	bundle, err := e.search(ctx, req)
	e.metrics.ObserveSearch(req.ResourceType, outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	e.logger.Debug().
		Str("resource_type", req.ResourceType).
		Int("total", *bundle.Total).
		Int("entries", len(bundle.Entry)).
		Dur("elapsed", time.Since(start)).
		Msg("search completed")
	return bundle, nil
}

func (e *Engine) search(ctx context.Context, req Request) (*fhir.Bundle, error) {
	reg := e.registry.Load()
	plan, err := query.Parse(reg, req.ResourceType, req.RawQuery, query.Options{
		DefaultCount: e.opts.DefaultCount,
		MaxCount:     e.opts.MaxCount,
	})
	if err != nil {
		return nil, err
	}

	q, err := builder.Build(plan)
	if err != nil {
		return nil, execErr("build", err)
	}

	linkBase := fmt.Sprintf("%s/%s", req.BaseURL, req.ResourceType)
	if c := req.Compartment; c != nil {
		scope, err := compartmentScope(reg, c, req.ResourceType)
		if err != nil {
			return nil, err
		}
		q.Where = predicate.And{Exprs: []predicate.Expr{scope, q.Where}}
		linkBase = fmt.Sprintf("%s/%s/%s/%s", req.BaseURL, c.Type, c.ID, req.ResourceType)
	}

	rd, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, execErr("snapshot", err)
	}
	defer func() {
		if err := rd.Close(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn().Err(err).Msg("close snapshot")
		}
	}()

	q.Where, err = e.resolveHas(ctx, rd, q.Where)
	if err != nil {
		return nil, execErr("resolve _has", err)
	}

	total, err := rd.Count(ctx, q)
	if err != nil {
		return nil, execErr("count", err)
	}

	links := fhir.PageLinks(fhir.PageParams{
		BaseURL: linkBase,
		Query:   plan.Canonical,
		Count:   plan.Count,
		Offset:  plan.Offset,
		Total:   total,
	})

	if plan.CountOnly() {
		b := fhir.NewSearchset(total)
		b.Link = links[:1]
		return b, nil
	}

	matches, err := rd.Find(ctx, q)
	if err != nil {
		return nil, execErr("find", err)
	}
	included, err := e.includes(ctx, rd, plan, matches)
	if err != nil {
		return nil, execErr("include", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, execErr("assemble", err)
	}

	b := assemble(req.BaseURL, total, links, matches, included)
	e.metrics.AddResults(fhir.SearchModeMatch, len(matches))
	e.metrics.AddResults(fhir.SearchModeInclude, len(included))
	return b, nil
}

func compartmentScope(reg *registry.Registry, c *Compartment, resourceType string) (predicate.Expr, error) {
	def, ok := reg.Compartment(c.Type)
	if !ok {
		return nil, &query.ParseError{Param: c.Type, Reason: "unknown compartment"}
	}
	if !fhir.IsValidID(c.ID) {
		return nil, &query.ParseError{Param: c.Type, Reason: fmt.Sprintf("invalid compartment id %q", c.ID)}
	}
	scope, ok := builder.CompartmentExpr(def, c.ID, resourceType)
	if !ok {
		return nil, &query.PlanError{Param: resourceType, Reason: fmt.Sprintf("not a member of the %s compartment", c.Type)}
	}
	return scope, nil
}

func outcome(err error) string {
	var pe *query.ParseError
	var ple *query.PlanError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &pe), errors.As(err, &ple):
		return metrics.OutcomeInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}
