// Package api provides HTTP handlers for the NeuroFusion server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/cache"
	"github.com/neurofusion/server/internal/data/nifti"
	"github.com/neurofusion/server/internal/expression"
	"github.com/neurofusion/server/internal/service"
	"github.com/neurofusion/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ExplorerRegistry
	CORSOrigins []string
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not resolution-scoped)
	r.Get("/api/resolutions", resolutionsHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler(cfg.Registry))
	r.Get("/api/gene_lookup", geneLookupHandler(cfg.Registry))
	if cfg.Cache != nil {
		r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))
	}

	// Resolution-scoped routes: /r/{res}/...
	r.Route("/r/{res}", func(r chi.Router) {
		r.Use(explorerMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/atlas", atlasHandler)
			r.Get("/genes", genesHandler)
			r.Get("/genes/{gene}/regions", regionsHandler)
			r.Get("/genes/{gene}/statmap.png", statMapHandler)
			r.Get("/genes/{gene}/statmap.nii.gz", statMapNIfTIHandler)
			r.Get("/genes/{gene}/barchart.png", barChartHandler)
			r.Get("/genes/{gene}/export.csv", exportHandler)
		})
	})

	return r
}

// Context key for the resolution explorer
type ctxKey string

const explorerKey ctxKey = "explorer"

// explorerMiddleware resolves the resolution from URL and injects its
// explorer into context.
func explorerMiddleware(registry *ExplorerRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			param := chi.URLParam(r, "res")
			res, err := atlas.ParseResolution(param)
			if err != nil {
				http.Error(w, "resolution not found: "+param, http.StatusNotFound)
				return
			}
			e := registry.Get(res)
			if e == nil {
				http.Error(w, "resolution not served: "+res.String(), http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), explorerKey, e)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getExplorer(r *http.Request) *service.Explorer {
	if e, ok := r.Context().Value(explorerKey).(*service.Explorer); ok {
		return e
	}
	return nil
}

// writeError maps service errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, expression.ErrGeneNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, atlas.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func geneParam(r *http.Request) string {
	gene := chi.URLParam(r, "gene")
	if unescaped, err := url.PathUnescape(gene); err == nil {
		gene = unescaped
	}
	return strings.TrimSpace(gene)
}

// normalizeParam reads the optional "normalize" query flag.
func normalizeParam(w http.ResponseWriter, r *http.Request) (normalize, ok bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("normalize"))
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		http.Error(w, "invalid normalize value: "+raw, http.StatusBadRequest)
		return false, false
	}
	return v, true
}

// resolutionsHandler returns the list of served resolutions.
func resolutionsHandler(registry *ExplorerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":     registry.DefaultResolution().String(),
			"resolutions": registry.Resolutions(),
			"title":       registry.Title(),
		})
	}
}

// colormapsHandler lists the colormaps accepted by statmap.png.
func colormapsHandler(registry *ExplorerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def := ""
		if e := registry.Default(); e != nil {
			def = e.DefaultColormap()
		}
		writeJSON(w, map[string]interface{}{
			"default":   def,
			"colormaps": colormap.Names(),
		})
	}
}

// geneLookupHandler resolves a gene to the resolutions whose table has it.
func geneLookupHandler(registry *ExplorerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gene := strings.TrimSpace(r.URL.Query().Get("gene"))
		if gene == "" {
			http.Error(w, "missing required query param: gene", http.StatusBadRequest)
			return
		}

		matching := []string{}
		for _, e := range registry.Explorers() {
			ok, err := e.HasGene(r.Context(), gene)
			if err != nil {
				log.Printf("[api] gene lookup skipped %s: %v", e.Resolution(), err)
				continue
			}
			if ok {
				matching = append(matching, e.Resolution().String())
			}
		}

		writeJSON(w, map[string]interface{}{
			"gene":        gene,
			"resolutions": matching,
		})
	}
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cm.Stats())
	}
}

// Resolution-scoped handlers (get explorer from context)

func atlasHandler(w http.ResponseWriter, r *http.Request) {
	e := getExplorer(r)
	if e == nil {
		http.Error(w, "explorer not found", http.StatusInternalServerError)
		return
	}
	info, err := e.Info(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, info)
}

func genesHandler(w http.ResponseWriter, r *http.Request) {
	e := getExplorer(r)
	if e == nil {
		http.Error(w, "explorer not found", http.StatusInternalServerError)
		return
	}
	genes, err := e.Genes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"genes": genes,
		"count": len(genes),
	})
}

func regionsHandler(w http.ResponseWriter, r *http.Request) {
	e := getExplorer(r)
	if e == nil {
		http.Error(w, "explorer not found", http.StatusInternalServerError)
		return
	}
	normalize, ok := normalizeParam(w, r)
	if !ok {
		return
	}
	data, err := e.RegionValuesJSON(r.Context(), geneParam(r), normalize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func statMapHandler(w http.ResponseWriter, r *http.Request) {
	e := getExplorer(r)
	if e == nil {
		http.Error(w, "explorer not found", http.StatusInternalServerError)
		return
	}
	cmap := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("colormap")))
	if cmap != "" {
		if _, ok := colormap.Lookup(cmap); !ok {
			http.Error(w, "unknown colormap: "+cmap+" (expected one of "+strings.Join(colormap.Names(), ", ")+")", http.StatusBadRequest)
			return
		}
	}
	data, err := e.StatMapPNG(r.Context(), geneParam(r), cmap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func statMapNIfTIHandler(w http.ResponseWriter, r *http.Request) {
	e := getExplorer(r)
	if e == nil {
		http.Error(w, "explorer not found", http.StatusInternalServerError)
		return
	}
	gene := geneParam(r)
	sm, err := e.StatMap(r.Context(), gene)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setAttachment(w, gene+"_statmap.nii.gz")
	w.Header().Set("Content-Type", "application/gzip")
	if err := nifti.WriteGzip(w, sm.Image()); err != nil {
		log.Printf("[api] failed to write stat map for %s: %v", gene, err)
	}
}

func barChartHandler(w http.ResponseWriter, r *http.Request) {
	e := getExplorer(r)
	if e == nil {
		http.Error(w, "explorer not found", http.StatusInternalServerError)
		return
	}
	normalize, ok := normalizeParam(w, r)
	if !ok {
		return
	}
	data, err := e.BarChartPNG(r.Context(), geneParam(r), normalize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func exportHandler(w http.ResponseWriter, r *http.Request) {
	e := getExplorer(r)
	if e == nil {
		http.Error(w, "explorer not found", http.StatusInternalServerError)
		return
	}
	normalize, ok := normalizeParam(w, r)
	if !ok {
		return
	}
	gene := geneParam(r)
	rows, err := e.GeneRows(r.Context(), gene, normalize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setAttachment(w, gene+"_region_expression.csv")
	w.Header().Set("Content-Type", "text/csv")
	if err := expression.WriteRows(w, rows); err != nil {
		log.Printf("[api] failed to write export for %s: %v", gene, err)
	}
}

func setAttachment(w http.ResponseWriter, filename string) {
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	} else {
		w.Header().Set("Content-Disposition", "attachment")
	}
}
