package api

import (
	"context"
	"fmt"
	"mime/multipart"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/catalog"
	"github.com/basekick-labs/runframe/internal/export"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/internal/library"
	"github.com/basekick-labs/runframe/internal/merge"
	"github.com/basekick-labs/runframe/internal/ratelimit"
	"github.com/basekick-labs/runframe/internal/storage"
)

// UploadPrefix is where uploaded files are stored before import
const UploadPrefix = "uploads"

// ParquetMIME is the media type of Parquet downloads
const ParquetMIME = "application/vnd.apache.parquet"

// ActivityHandler serves imports and the activity catalog
type ActivityHandler struct {
	library *library.Library
	store   storage.Backend
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// ImportResponse is returned for a successful import
type ImportResponse struct {
	Entry      *catalog.Entry `json:"activity"`
	Policy     string         `json:"merge_policy"`
	DurationMs int64          `json:"duration_ms"`
}

// NewActivityHandler creates a handler importing through lib. store holds
// uploads and must be the library's storage.
func NewActivityHandler(lib *library.Library, store storage.Backend, logger zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{
		library: lib,
		store:   store,
		logger:  logger.With().Str("component", "activity-handler").Logger(),
	}
}

// SetRateLimit limits the import endpoints per client address
func (h *ActivityHandler) SetRateLimit(l *ratelimit.Limiter) {
	h.limiter = l
}

// RegisterRoutes registers activity API routes
func (h *ActivityHandler) RegisterRoutes(app *fiber.App) {
	limit := rateLimit(h.limiter)
	app.Post("/api/v1/activities", limit, h.handleUpload)
	app.Get("/api/v1/activities", h.handleList)
	app.Get("/api/v1/activities/:id", h.handleGet)
	app.Get("/api/v1/activities/:id/export", h.handleDownload)
	app.Delete("/api/v1/activities/:id", h.handleDelete)
	app.Post("/api/v1/streams", limit, h.handleStream)
	app.Post("/api/v1/convert", limit, h.handleConvert)
	app.Get("/api/v1/formats", h.handleFormats)
}

// FormatInfo describes one readable format and the columns it can yield
type FormatInfo struct {
	Format  string            `json:"format"`
	Columns []string          `json:"columns"`
	Units   map[string]string `json:"units"`
}

// handleFormats lists the accepted file extensions and, per format, the
// canonical columns with their units
func (h *ActivityHandler) handleFormats(c *fiber.Ctx) error {
	reg := h.library.Pipeline().Registry()
	formats := make([]FormatInfo, 0, len(reg.Formats()))
	for _, f := range reg.Formats() {
		p, err := reg.Lookup(f)
		if err != nil {
			return fail(c, err)
		}
		spec := p.ColumnSpec()
		formats = append(formats, FormatInfo{
			Format:  string(f),
			Columns: spec.Canonical(),
			Units:   spec.Units(),
		})
	}
	return c.JSON(fiber.Map{
		"extensions":  format.Extensions(),
		"compression": format.Wrappers(),
		"formats":     formats,
	})
}

// handleUpload stores the multipart "file" parts and imports them as one
// activity. The first part is the primary input.
func (h *ActivityHandler) handleUpload(c *fiber.Ctx) error {
	start := time.Now()
	lib, err := h.libraryFor(c)
	if err != nil {
		return fail(c, err)
	}

	paths, err := h.storeUploads(c)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.UserContext()
	entry, a, err := lib.Import(ctx, paths[0], paths[1:]...)
	if err != nil {
		h.removeUploads(paths)
		return fail(c, err)
	}
	return h.respond(c, lib, entry, a, start)
}

// handleStream imports a JSON or MessagePack telemetry payload. Stored
// resources named in the "extra" query parameter are merged in.
func (h *ActivityHandler) handleStream(c *fiber.Ctx) error {
	start := time.Now()
	lib, err := h.libraryFor(c)
	if err != nil {
		return fail(c, err)
	}

	body, err := requestBody(c)
	if err != nil {
		return fail(c, err)
	}
	payload, err := lib.Pipeline().DecodeStream(c.Get(fiber.HeaderContentType), body)
	if err != nil {
		return fail(c, err)
	}

	entry, a, err := lib.ImportStream(c.UserContext(), payload, splitList(c.Query("extra"))...)
	if err != nil {
		return fail(c, err)
	}
	return h.respond(c, lib, entry, a, start)
}

// handleConvert reads the uploaded files into an activity and returns it
// encoded without cataloguing anything. The uploads are removed afterwards.
// With elapsed=true rows are stamped with offsets from the first sample.
func (h *ActivityHandler) handleConvert(c *fiber.Ctx) error {
	lib, err := h.libraryFor(c)
	if err != nil {
		return fail(c, err)
	}
	f, err := export.ParseFormat(c.Query("format", string(export.Parquet)))
	if err != nil {
		return fail(c, errBadRequest(err.Error()))
	}

	paths, err := h.storeUploads(c)
	if err != nil {
		return fail(c, err)
	}
	defer h.removeUploads(paths)

	a, err := lib.Pipeline().Combine(c.UserContext(), paths[0], paths[1:]...)
	if err != nil {
		return fail(c, err)
	}
	if c.QueryBool("elapsed") {
		if a, err = a.ToElapsed(); err != nil {
			return fail(c, err)
		}
	}
	data, err := lib.Exporter().Encode(a, f)
	if err != nil {
		return fail(c, err)
	}
	c.Set(fiber.HeaderContentType, mimeFor(f))
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="activity%s"`, f.Ext()))
	return c.Send(data)
}

func (h *ActivityHandler) handleList(c *fiber.Ctx) error {
	opts := catalog.ListOptions{
		SourceFormat: c.Query("format"),
		Limit:        c.QueryInt("limit", 100),
		Offset:       c.QueryInt("offset", 0),
	}
	if opts.Limit <= 0 || opts.Limit > 1000 || opts.Offset < 0 {
		return fail(c, errBadRequest("limit must be in 1..1000 and offset non-negative"))
	}

	entries, err := h.library.Catalog().List(c.UserContext(), opts)
	if err != nil {
		return fail(c, err)
	}
	if entries == nil {
		entries = []*catalog.Entry{}
	}
	return c.JSON(fiber.Map{
		"count":      len(entries),
		"limit":      opts.Limit,
		"offset":     opts.Offset,
		"activities": entries,
	})
}

func (h *ActivityHandler) handleGet(c *fiber.Ctx) error {
	entry, err := h.library.Catalog().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(entry)
}

// handleDownload returns the stored export of an activity
func (h *ActivityHandler) handleDownload(c *fiber.Ctx) error {
	ctx := c.UserContext()
	entry, err := h.library.Catalog().Get(ctx, c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	data, err := h.store.Read(ctx, entry.ExportPath)
	if err != nil {
		return fail(c, err)
	}
	c.Set(fiber.HeaderContentType, mimeFor(export.Format(entry.ExportFormat)))
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, path.Base(entry.ExportPath)))
	return c.Send(data)
}

func (h *ActivityHandler) handleDelete(c *fiber.Ctx) error {
	if err := h.library.Delete(c.UserContext(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// respond answers a successful import with the catalog entry, or with the
// activity itself when the client accepts an Arrow stream
func (h *ActivityHandler) respond(c *fiber.Ctx, lib *library.Library, entry *catalog.Entry, a *activity.Activity, start time.Time) error {
	c.Set("X-Activity-ID", entry.ID)
	c.Location("/api/v1/activities/" + entry.ID)

	if strings.Contains(c.Get(fiber.HeaderAccept), export.ArrowStreamMIME) {
		data, err := lib.Exporter().Encode(a, export.Arrow)
		if err != nil {
			return fail(c, err)
		}
		c.Set(fiber.HeaderContentType, export.ArrowStreamMIME)
		return c.Status(fiber.StatusCreated).Send(data)
	}

	return c.Status(fiber.StatusCreated).JSON(ImportResponse{
		Entry:      entry,
		Policy:     a.Spec().MergePolicy,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// libraryFor applies the merge policy overrides of the request
func (h *ActivityHandler) libraryFor(c *fiber.Ctx) (*library.Library, error) {
	base := h.library.Pipeline().Policy()
	policy, err := policyFromQuery(c, base)
	if err != nil {
		return nil, err
	}
	if policy.String() == base.String() {
		return h.library, nil
	}
	return h.library.WithPipeline(h.library.Pipeline().WithPolicy(policy)), nil
}

// policyFromQuery overrides fields of base from the duplicates, gaps,
// overlap and reference query parameters
func policyFromQuery(c *fiber.Ctx, base merge.Policy) (merge.Policy, error) {
	p := base
	if v := c.Query("duplicates"); v != "" {
		d, err := merge.ParseDuplicatePolicy(v)
		if err != nil {
			return p, errBadRequest(err.Error())
		}
		p.Duplicates = d
	}
	if v := c.Query("gaps"); v != "" {
		g, err := merge.ParseGapPolicy(v)
		if err != nil {
			return p, errBadRequest(err.Error())
		}
		p.Gaps = g
	}
	if v := c.Query("overlap"); v != "" {
		o, err := merge.ParseOverlapPolicy(v)
		if err != nil {
			return p, errBadRequest(err.Error())
		}
		p.Overlap = o
	}
	if v := c.Query("reference"); v != "" {
		ref, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return p, errBadRequest("reference must be an RFC 3339 timestamp")
		}
		p = p.WithReference(ref)
	}
	return p, nil
}

// storeUploads writes every "file" part to uploads/<uuid>/<name>
func (h *ActivityHandler) storeUploads(c *fiber.Ctx) ([]string, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, errBadRequest("expected a multipart form with one or more \"file\" parts")
	}
	files := form.File["file"]
	if len(files) == 0 {
		return nil, errBadRequest("no \"file\" part in the form")
	}

	batch := uuid.New().String()
	paths := make([]string, 0, len(files))
	for _, fh := range files {
		name := path.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
		if name == "." || name == "/" || name == ".." || strings.HasPrefix(name, ".") {
			h.removeUploads(paths)
			return nil, errBadRequest(fmt.Sprintf("invalid file name %q", fh.Filename))
		}
		p := path.Join(UploadPrefix, batch, name)
		if err := h.writeUpload(c.UserContext(), p, fh); err != nil {
			h.removeUploads(paths)
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (h *ActivityHandler) writeUpload(ctx context.Context, p string, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	if err := h.store.WriteReader(ctx, p, f, fh.Size); err != nil {
		return fmt.Errorf("failed to store upload %s: %w", fh.Filename, err)
	}
	return nil
}

func (h *ActivityHandler) removeUploads(paths []string) {
	for _, p := range paths {
		if err := h.store.Delete(context.Background(), p); err != nil {
			h.logger.Warn().Err(err).Str("path", p).Msg("Failed to remove upload")
		}
	}
}

// requestBody returns the body, unwrapping a gzip or zstd Content-Encoding
func requestBody(c *fiber.Ctx) ([]byte, error) {
	body := c.BodyRaw()
	var comp format.Compression
	switch strings.ToLower(strings.TrimSpace(c.Get(fiber.HeaderContentEncoding))) {
	case "", "identity":
		return body, nil
	case "gzip":
		comp = format.Gzip
	case "zstd":
		comp = format.Zstd
	default:
		return nil, errBadRequest("unsupported Content-Encoding " + c.Get(fiber.HeaderContentEncoding))
	}
	out, err := format.Decompress(comp, body)
	if err != nil {
		return nil, errBadRequest(err.Error())
	}
	return out, nil
}

func mimeFor(f export.Format) string {
	if f == export.Arrow {
		return export.ArrowStreamMIME
	}
	return ParquetMIME
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
