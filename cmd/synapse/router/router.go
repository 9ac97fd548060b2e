// Package router configures the HTTP API of the synapse service.
//
// Routes configured:
//   - GET  /healthz                         - Health check endpoint
//   - GET  /metrics                         - Prometheus metrics endpoint
//   - GET  /api/products/search?q=&variant= - Demo search, measured per variant
//   - GET  /synapse/snapshots?operation=    - Latency snapshots
//   - GET  /synapse/variants?operation=     - Registered variants
//   - GET  /synapse/cache                   - Cached generated variants
//   - POST /synapse/evolve?operation=       - Run one evolution tick now
//   - GET  /synapse/audit?operation=        - Generation audit trail
//   - POST /synapse/audit/status            - Mark an audit record applied or rejected
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/synapse/cmd/synapse/catalog"
	"github.com/HatiCode/synapse/pkg/audit"
	"github.com/HatiCode/synapse/pkg/cache"
	"github.com/HatiCode/synapse/pkg/evolution"
	"github.com/HatiCode/synapse/pkg/httpx"
	"github.com/HatiCode/synapse/pkg/registry"
	"github.com/HatiCode/synapse/pkg/telemetry"
)

var operationNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_.-]{0,251}[a-zA-Z0-9])?$`)

// Evolver runs the evolution pipeline on demand.
type Evolver interface {
	Tick(ctx context.Context) []evolution.Outcome
	Evaluate(ctx context.Context, operation string) evolution.Outcome
}

// CacheLister lists cached variants.
type CacheLister interface {
	Entries() []cache.Entry
}

// Deps are the collaborators the routes need. Cache and Audit are optional.
type Deps struct {
	Registry   *registry.Registry
	Aggregator *telemetry.Aggregator
	Selector   *evolution.Selector
	Evolver    Evolver
	Catalog    *catalog.Catalog
	Cache      CacheLister
	Audit      audit.Log
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// SetupRoutes configures HTTP endpoints for synapse.
func SetupRoutes(d Deps) *http.ServeMux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(func() error {
		if len(d.Registry.List(catalog.Operation)) == 0 {
			return errors.New("no variants registered for " + catalog.Operation)
		}
		return nil
	}))
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/products/search", handleSearch(d))

	mux.HandleFunc("GET /synapse/snapshots", handleSnapshots(d))
	mux.HandleFunc("GET /synapse/variants", handleVariants(d))
	mux.HandleFunc("GET /synapse/cache", handleCache(d))
	mux.HandleFunc("POST /synapse/evolve", handleEvolve(d))
	mux.HandleFunc("GET /synapse/audit", handleAuditList(d))
	mux.HandleFunc("POST /synapse/audit/status", handleAuditStatus(d))

	return mux
}

// handleSearch dispatches GET /api/products/search through the registry.
// Without ?variant= the selector picks one.
func handleSearch(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			query = "Pro"
		}

		variant := r.URL.Query().Get("variant")
		if variant == "" {
			var ok bool
			if variant, ok = d.Selector.Select(catalog.Operation); !ok {
				httpx.WriteErrorMessage(w, http.StatusServiceUnavailable, "no variant available")
				return
			}
		}

		res, err := d.Registry.DispatchChecked(r.Context(), d.Aggregator, catalog.Operation, variant, d.Catalog.Args(query), checkProducts)
		if err != nil {
			var nf *registry.NotFoundError
			if errors.As(err, &nf) {
				httpx.WriteErrorMessage(w, http.StatusNotFound, nf.Error())
				return
			}
			d.Logger.Error("search failed", "variant", variant, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "search failed")
			return
		}

		products := res.([]map[string]any)
		if products == nil {
			products = []map[string]any{}
		}
		w.Header().Set("X-Synapse-Variant", variant)
		if err := httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"variant":  variant,
			"products": products,
		}); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// checkProducts rejects search results of any other type than a product
// list, so a variant returning the wrong shape is measured as failing.
func checkProducts(v any) error {
	if _, ok := v.([]map[string]any); !ok {
		return fmt.Errorf("unexpected result type %T", v)
	}
	return nil
}

func handleSnapshots(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, ok := optionalOperation(w, r)
		if !ok {
			return
		}
		snaps := d.Aggregator.AllSnapshots()
		if op != "" {
			snaps = d.Aggregator.SnapshotsFor(op)
		}
		if snaps == nil {
			snaps = []telemetry.Snapshot{}
		}
		writeJSON(w, d.Logger, snaps)
	}
}

func handleVariants(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, ok := optionalOperation(w, r)
		if !ok {
			return
		}
		out := map[string][]string{}
		ops := d.Registry.Operations()
		if op != "" {
			ops = []string{op}
		}
		for _, o := range ops {
			ids := d.Registry.List(o)
			if ids == nil {
				ids = []string{}
			}
			out[o] = ids
		}
		writeJSON(w, d.Logger, out)
	}
}

func handleCache(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Cache == nil {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "variant cache disabled")
			return
		}
		entries := d.Cache.Entries()
		if entries == nil {
			entries = []cache.Entry{}
		}
		writeJSON(w, d.Logger, entries)
	}
}

// handleEvolve runs the pipeline synchronously, for one operation when
// ?operation= is set, otherwise for all of them.
func handleEvolve(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, ok := optionalOperation(w, r)
		if !ok {
			return
		}
		var outcomes []evolution.Outcome
		if op != "" {
			outcomes = []evolution.Outcome{d.Evolver.Evaluate(r.Context(), op)}
		} else {
			outcomes = d.Evolver.Tick(r.Context())
		}
		writeJSON(w, d.Logger, outcomes)
	}
}

func handleAuditList(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Audit == nil {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "audit log disabled")
			return
		}
		op, ok := optionalOperation(w, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		records, err := d.Audit.List(ctx, op)
		if err != nil {
			d.Logger.Error("failed to list audit records", "operation", op, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if records == nil {
			records = []audit.Record{}
		}
		writeJSON(w, d.Logger, records)
	}
}

type statusRequest struct {
	ID     string       `json:"id"`
	Status audit.Status `json:"status"`
	Reason string       `json:"reason"`
}

func handleAuditStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Audit == nil {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "audit log disabled")
			return
		}

		var req statusRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ID == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "id required")
			return
		}
		if !req.Status.Valid() {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", req.Status))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		err := d.Audit.SetStatus(ctx, req.ID, req.Status, req.Reason)
		switch {
		case errors.Is(err, audit.ErrNotFound):
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("audit record %q not found", req.ID))
		case err != nil:
			d.Logger.Error("failed to update audit record", "id", req.ID, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		default:
			writeJSON(w, d.Logger, req)
		}
	}
}

// optionalOperation validates ?operation= when present.
func optionalOperation(w http.ResponseWriter, r *http.Request) (string, bool) {
	op := r.URL.Query().Get("operation")
	if op != "" && !operationNameRegex.MatchString(op) {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid operation name format")
		return "", false
	}
	return op, true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	if err := httpx.WriteJSON(w, http.StatusOK, v); err != nil {
		logger.Error("failed to write JSON response", "error", err)
	}
}
