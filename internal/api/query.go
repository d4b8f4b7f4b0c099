package api

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/catalog"
	"github.com/basekick-labs/runframe/internal/database"
	"github.com/basekick-labs/runframe/internal/export"
	"github.com/basekick-labs/runframe/internal/metrics"
	"github.com/basekick-labs/runframe/internal/storage"
)

// errNoExports is returned when there is nothing to query yet
var errNoExports = errors.New("no activities have been exported yet")

// QueryHandler runs read-only SQL over the exported activities
type QueryHandler struct {
	db       *database.DuckDB
	store    storage.Backend
	exporter *export.Exporter
	catalog  *catalog.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// QueryRequest is the body of POST /api/v1/query
type QueryRequest struct {
	SQL string `json:"sql"`
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(db *database.DuckDB, store storage.Backend, exporter *export.Exporter, cat *catalog.Store, m *metrics.Metrics, logger zerolog.Logger) *QueryHandler {
	if m == nil {
		m = metrics.Get()
	}
	return &QueryHandler{
		db:       db,
		store:    store,
		exporter: exporter,
		catalog:  cat,
		metrics:  m,
		logger:   logger.With().Str("component", "query-handler").Logger(),
	}
}

// RegisterRoutes registers query API routes
func (h *QueryHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/query", h.handleQuery)
}

func (h *QueryHandler) handleQuery(c *fiber.Ctx) error {
	var req QueryRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fail(c, errBadRequest("invalid JSON body: "+err.Error()))
	}
	if err := database.ValidateReadOnly(req.SQL); err != nil {
		h.metrics.IncQuery(false)
		return fail(c, err)
	}
	if h.exporter.Format() != export.Parquet {
		return fail(c, errBadRequest("SQL queries need parquet exports"))
	}

	glob := storage.QueryPath(h.store, h.exporter.Glob())
	if glob == "" {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "the " + h.store.Type() + " storage backend cannot be queried",
		})
	}

	ctx := c.UserContext()
	n, err := h.catalog.Count(ctx)
	if err != nil {
		return fail(c, err)
	}
	if n == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": errNoExports.Error(), "class": "not_found"})
	}

	start := time.Now()
	res, err := h.db.QueryExports(ctx, glob, req.SQL)
	h.metrics.IncQuery(err == nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("sql", req.SQL).Msg("Query failed")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "class": "query"})
	}

	h.logger.Debug().
		Int("rows", res.RowCount).
		Dur("elapsed", time.Since(start)).
		Msg("Query executed")
	return c.JSON(res)
}
