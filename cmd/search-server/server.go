package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsearch/internal/config"
	"github.com/ehr/fhirsearch/internal/platform/db"
	"github.com/ehr/fhirsearch/internal/platform/metrics"
	"github.com/ehr/fhirsearch/internal/platform/middleware"
	"github.com/ehr/fhirsearch/internal/resource"
	"github.com/ehr/fhirsearch/internal/search/engine"
	"github.com/ehr/fhirsearch/internal/search/handler"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
	"github.com/ehr/fhirsearch/internal/search/store/memstore"
	"github.com/ehr/fhirsearch/internal/search/store/pgstore"
)

// app holds the long-lived dependencies shared by the commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	registry  *registry.Holder
	store     store.Store
	pool      *pgxpool.Pool
	metrics   *metrics.Metrics
	engine    *engine.Engine
	resources *resource.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	reg, err := loadRegistry(cfg.RegistryFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry.NewHolder(reg),
		metrics:  metrics.New(),
	}

	switch cfg.Store {
	case config.StoreMemory:
		a.store = memstore.New()
		logger.Warn().Msg("using in-memory store; data is lost on exit")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.store = pgstore.New(pool)
	}

	a.engine = engine.New(a.store, a.registry, a.metrics, logger, engine.Options{
		DefaultCount:   cfg.SearchDefaultCount,
		MaxCount:       cfg.SearchMaxCount,
		HasParallelism: cfg.HasParallelism,
	})
	a.resources = resource.NewService(a.store, a.registry, a.metrics, logger)
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// loadRegistry returns the built-in registry, overlaid with the definitions
// in path when one is configured.
func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	reg, err := registry.LoadFile(path, registry.Default())
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// reloadRegistry re-reads the registry file and swaps it in. Searches in
// flight keep the registry they started with. On error the current registry
// stays active.
func (a *app) reloadRegistry() bool {
	if a.cfg.RegistryFile == "" {
		a.logger.Info().Msg("no REGISTRY_FILE configured, nothing to reload")
		return false
	}
	reg, err := loadRegistry(a.cfg.RegistryFile)
	if err != nil {
		a.logger.Error().Err(err).Str("file", a.cfg.RegistryFile).Msg("registry reload failed")
		return false
	}
	a.registry.Swap(reg)
	// Stored resources keep their old index rows until they are rewritten.
	a.logger.Info().
		Str("file", a.cfg.RegistryFile).
		Int("resource_types", len(reg.ResourceTypes())).
		Msg("registry reloaded")
	return true
}

func newRouter(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger, a.metrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
			echo.HeaderAuthorization, "If-None-Match", middleware.RequestIDHeader,
		},
		ExposeHeaders: []string{echo.HeaderLocation, "ETag", echo.HeaderLastModified, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.SearchTimeout, "/metrics", "/health"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	h := handler.New(a.engine, a.resources, a.cfg.BaseURL, a.logger)
	h.RegisterRoutes(e.Group("/fhir"))
	return e
}
