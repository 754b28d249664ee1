// Package handler exposes search and the resource write hooks over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/resource"
	"github.com/ehr/fhirsearch/internal/search/engine"
	"github.com/ehr/fhirsearch/internal/search/query"
	"github.com/ehr/fhirsearch/internal/search/store"
)

const fhirJSON = "application/fhir+json; charset=utf-8"

type Handler struct {
	engine    *engine.Engine
	resources *resource.Service
	baseURL   string
	logger    zerolog.Logger
}

func New(eng *engine.Engine, svc *resource.Service, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:    eng,
		resources: svc,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

// RegisterRoutes mounts the FHIR endpoints on fhirGroup, normally /fhir.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/:type", h.Search)
	fhirGroup.POST("/:type/_search", h.SearchPost)
	fhirGroup.GET("/:compartment/:id/:type", h.CompartmentSearch)

	fhirGroup.POST("/:type", h.Create)
	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.PUT("/:type/:id", h.Update)
	fhirGroup.DELETE("/:type/:id", h.Delete)
}

// Search handles GET /fhir/:type.
func (h *Handler) Search(c echo.Context) error {
	return h.search(c, engine.Request{
		ResourceType: c.Param("type"),
		RawQuery:     c.Request().URL.RawQuery,
		BaseURL:      h.baseURL,
	})
}

// SearchPost handles POST /fhir/:type/_search. Form body parameters are
// appended to any parameters on the URL, keeping their order.
func (h *Handler) SearchPost(c echo.Context) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(ct, echo.MIMEApplicationForm) {
		return h.fhir(c, http.StatusUnsupportedMediaType,
			fhir.NotSupportedOutcome("_search requires an application/x-www-form-urlencoded body"))
	}
	body, err := readBody(c)
	if err != nil {
		return h.bodyError(c, err)
	}
	raw := c.Request().URL.RawQuery
	if form := strings.TrimSpace(string(body)); form != "" {
		if raw != "" {
			raw += "&"
		}
		raw += form
	}
	return h.search(c, engine.Request{
		ResourceType: c.Param("type"),
		RawQuery:     raw,
		BaseURL:      h.baseURL,
	})
}

// CompartmentSearch handles GET /fhir/:compartment/:id/:type, e.g.
// /fhir/Patient/123/Observation.
func (h *Handler) CompartmentSearch(c echo.Context) error {
	return h.search(c, engine.Request{
		ResourceType: c.Param("type"),
		RawQuery:     c.Request().URL.RawQuery,
		BaseURL:      h.baseURL,
		Compartment:  &engine.Compartment{Type: c.Param("compartment"), ID: c.Param("id")},
	})
}

func (h *Handler) search(c echo.Context, req engine.Request) error {
	bundle, err := h.engine.Search(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err, req.ResourceType, "")
	}
	return h.fhir(c, http.StatusOK, bundle)
}

func (h *Handler) Create(c echo.Context) error {
	rt := c.Param("type")
	body, err := readBody(c)
	if err != nil {
		return h.bodyError(c, err)
	}
	res, err := h.resources.Create(c.Request().Context(), rt, body)
	if err != nil {
		return h.writeError(c, err, rt, "")
	}
	c.Response().Header().Set("Location", fhir.FullURL(h.baseURL, res.Type, res.ID))
	return h.resource(c, http.StatusCreated, res)
}

func (h *Handler) Read(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	res, err := h.resources.Read(c.Request().Context(), rt, id)
	if err != nil {
		return h.writeError(c, err, rt, id)
	}
	if fhir.CheckIfNoneMatch(c, res.Version) {
		fhir.SetVersionHeaders(c, res.Version, res.LastUpdated)
		return c.NoContent(http.StatusNotModified)
	}
	return h.resource(c, http.StatusOK, res)
}

func (h *Handler) Update(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	body, err := readBody(c)
	if err != nil {
		return h.bodyError(c, err)
	}
	res, err := h.resources.Update(c.Request().Context(), rt, id, body)
	if err != nil {
		return h.writeError(c, err, rt, id)
	}
	status := http.StatusOK
	if res.Version == 1 {
		status = http.StatusCreated
		c.Response().Header().Set("Location", fhir.FullURL(h.baseURL, res.Type, res.ID))
	}
	return h.resource(c, status, res)
}

func (h *Handler) Delete(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	if err := h.resources.Delete(c.Request().Context(), rt, id); err != nil {
		return h.writeError(c, err, rt, id)
	}
	return c.NoContent(http.StatusNoContent)
}

// readBody reads the whole request body; the size cap is enforced by the
// BodyLimit middleware.
func readBody(c echo.Context) ([]byte, error) {
	if c.Request().Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read request body: %w", err)
	}
	return body, nil
}

func (h *Handler) bodyError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return h.fhir(c, http.StatusBadRequest, fhir.InvalidOutcome("", err.Error()))
}

func (h *Handler) resource(c echo.Context, status int, res *store.Resource) error {
	fhir.SetVersionHeaders(c, res.Version, res.LastUpdated)
	return c.Blob(status, fhirJSON, res.Document)
}

func (h *Handler) fhir(c echo.Context, status int, body interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, fhirJSON)
	return c.JSON(status, body)
}

// writeError maps the error taxonomy onto HTTP statuses and
// OperationOutcome bodies.
func (h *Handler) writeError(c echo.Context, err error, resourceType, id string) error {
	var (
		parseErr *query.ParseError
		planErr  *query.PlanError
		valErr   *resource.ValidationError
	)
	switch {
	case errors.As(err, &parseErr):
		return h.fhir(c, http.StatusBadRequest, fhir.InvalidOutcome(parseErr.Param, parseErr.Error()))
	case errors.As(err, &planErr):
		return h.fhir(c, http.StatusBadRequest, fhir.InvalidOutcome(planErr.Param, planErr.Error()))
	case errors.As(err, &valErr):
		return h.fhir(c, http.StatusBadRequest, fhir.InvalidOutcome("", valErr.Error()))
	case errors.Is(err, store.ErrNotFound):
		return h.fhir(c, http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id))
	case errors.Is(err, store.ErrDeleted):
		return h.fhir(c, http.StatusGone, fhir.GoneOutcome(resourceType, id))
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn().Err(err).Str("resource_type", resourceType).Msg("request timed out")
		return h.fhir(c, http.StatusGatewayTimeout, fhir.TimeoutOutcome())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		return err
	default:
		h.logger.Error().Err(err).Str("resource_type", resourceType).Msg("request failed")
		return h.fhir(c, http.StatusInternalServerError, fhir.ExceptionOutcome(err.Error()))
	}
}
