package main

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/scanledger/internal/api/gateway"
	"github.com/lvonguyen/scanledger/internal/app"
	"github.com/lvonguyen/scanledger/internal/importer"
	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/store"
	"github.com/lvonguyen/scanledger/internal/vendorpattern"
)

const defaultListLimit = 100

type handlers struct {
	app    *app.App
	logger *zap.Logger
}

func newRouter(a *app.App) http.Handler {
	h := &handlers{app: a, logger: a.Logger.With(zap.String("component", "http"))}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Get("/ready", h.handleReady)
	r.Handle("/metrics", a.Telemetry.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		// Uploads are bounded by the server write timeout, not the request timeout.
		r.With(h.limit(gateway.ClassImport)).Post("/imports", h.handleImport)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(h.limit(gateway.ClassQuery))

			r.Get("/imports", h.handleListImports)
			r.Get("/imports/{id}", h.handleGetImport)

			r.Get("/findings/hosts", h.handleAffectedHosts)
			r.Get("/hosts/{host}/findings", h.handleFindingsForHost)
			r.Get("/cves/{cve}/hosts", h.handleHostsForCVE)
			r.Get("/summary", h.handleSummary)

			r.Post("/patterns/reload", h.handleReloadPatterns)
		})
	})

	return r
}

// limit applies the rate limiter when one is configured.
func (h *handlers) limit(class string) func(http.Handler) http.Handler {
	if h.app.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.app.Limiter.Middleware(class)
}

func (h *handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.app.Telemetry.StartSpan(r.Context(), "http.request",
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		r = r.WithContext(ctx)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", ww.Status()),
		)
		h.app.Telemetry.Metrics().ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
		h.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Health and readiness handlers

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (h *handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Import handlers

// handleImport accepts either a multipart form with a "file" part or a raw
// body with ?filename=. ?vendor= declares the scanner and skips detection.
func (h *handlers) handleImport(w http.ResponseWriter, r *http.Request) {
	if limit := h.app.Config.Server.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	src := ingestion.Source{
		Filename: r.URL.Query().Get("filename"),
		Vendor:   r.URL.Query().Get("vendor"),
		Size:     max(r.ContentLength, 0),
	}

	var body io.Reader = r.Body
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		part, err := filePart(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer part.Close()
		if src.Filename == "" {
			src.Filename = part.FileName()
		}
		src.Size = 0
		body = part
	}
	if src.Filename == "" {
		writeError(w, http.StatusBadRequest, errors.New("filename is required"))
		return
	}

	res, err := h.app.Importer.Import(r.Context(), body, src)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, res)
	case tooLarge(err):
		writeJSON(w, http.StatusRequestEntityTooLarge, res)
	case errors.Is(err, importer.ErrFileFormat):
		writeJSON(w, http.StatusUnprocessableEntity, res)
	case store.IsBusy(err):
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		h.app.Telemetry.RecordError(r.Context(), err, zap.String("component", "http"), zap.String("filename", src.Filename))
		writeJSON(w, http.StatusInternalServerError, res)
	}
}

// tooLarge reports whether an import failed on a size ceiling: the request
// body limit or the parser's byte and row limits.
func tooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes) ||
		errors.Is(err, ingestion.ErrFileTooLarge) ||
		errors.Is(err, ingestion.ErrTooManyRows)
}

type multipartFile interface {
	io.ReadCloser
	FileName() string
}

func filePart(r *http.Request) (multipartFile, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errors.New(`multipart form has no "file" part`)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func (h *handlers) handleListImports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batches, err := h.app.Store.ListBatches(r.Context(), limit)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imports": batches, "count": len(batches)})
}

func (h *handlers) handleGetImport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid import id"))
		return
	}

	batch, err := h.app.Store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	resp := map[string]any{"import": batch}
	if r.URL.Query().Get("findings") == "true" {
		findings, err := h.app.Store.BatchFindings(r.Context(), id)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		resp["findings"] = findings
	}
	writeJSON(w, http.StatusOK, resp)
}

// Aggregation handlers

// handleAffectedHosts takes the finding key as ?key= since keys may contain
// '|' and free text.
func (h *handlers) handleAffectedHosts(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}
	hosts, err := h.app.Engine.AffectedHosts(r.Context(), key)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"finding_key": key, "hosts": hosts, "count": len(hosts)})
}

func (h *handlers) handleFindingsForHost(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	keys, err := h.app.Engine.FindingsForHost(r.Context(), host)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"host": host, "findings": keys, "count": len(keys)})
}

func (h *handlers) handleHostsForCVE(w http.ResponseWriter, r *http.Request) {
	cve := chi.URLParam(r, "cve")
	hosts, err := h.app.Engine.HostsForCVE(r.Context(), cve)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cve": cve, "hosts": hosts, "count": len(hosts)})
}

func (h *handlers) handleSummary(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sum, err := h.app.Engine.Summary(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	total := len(sum)
	if limit > 0 && limit < len(sum) {
		sum = sum[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": sum, "total": total})
}

// Vendor pattern handlers

func (h *handlers) handleReloadPatterns(w http.ResponseWriter, r *http.Request) {
	set := h.app.ReloadPatterns()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "reloaded",
		"family":   set.Len(vendorpattern.AxisFamily),
		"hostname": set.Len(vendorpattern.AxisHostname),
	})
}

// Helpers

func (h *handlers) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.app.Telemetry.RecordError(r.Context(), err, zap.String("component", "http"), zap.String("path", r.URL.Path))
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
