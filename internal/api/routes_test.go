package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"gocloud.dev/blob/fileblob"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/atlas/atlastest"
	"github.com/neurofusion/server/internal/cache"
	"github.com/neurofusion/server/internal/config"
	"github.com/neurofusion/server/internal/data/nifti"
	"github.com/neurofusion/server/internal/expression"
	"github.com/neurofusion/server/internal/render"
	"github.com/neurofusion/server/internal/service"
)

// newTestRouter serves the tiny atlas at 2mm from a file provider. The
// provider has no 1mm volume, so that resolution is unavailable.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	providerDir := t.TempDir()
	bucket, err := fileblob.OpenBucket(providerDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	atlastest.Seed(t, bucket, "Tiny/Tiny-cort-maxprob-2mm.nii.gz", "Tiny-labels.csv")
	bucket.Close()

	cfg := config.DefaultConfig()
	cfg.Atlas.Name = atlastest.Name
	cfg.Atlas.ProviderURL = "file://" + filepath.ToSlash(providerDir)
	cfg.Atlas.VolumeKey = "Tiny/Tiny-cort-maxprob-{res}.nii.gz"
	cfg.Atlas.LabelsKey = "Tiny-labels.csv"
	cfg.Atlas.CacheDir = filepath.Join(t.TempDir(), "atlas")
	cfg.Atlas.Resolutions = []int{2, 1}
	cfg.Atlas.DefaultResolution = 2
	cfg.Expression.Source = expression.KindSynthetic
	cfg.Expression.CacheDir = filepath.Join(t.TempDir(), "expression")
	cfg.Expression.NGenes = 5

	stack, err := service.OpenStack(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stack.Close() })

	cm, err := cache.NewManager(cache.Config{ImageCacheSizeMB: 16, QueryCacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cm.Close() })

	explorers, err := stack.Explorers(cfg, cm, render.NewStatMapRenderer(render.Config{}))
	if err != nil {
		t.Fatal(err)
	}
	registry := NewExplorerRegistry(atlas.Res2mm, cfg.Server.Title)
	for _, e := range explorers {
		registry.Register(e)
	}

	return NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		Cache:       cm,
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected JSON, got %q", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
}

func TestStatusCodes(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/api/resolutions", http.StatusOK},
		{"/api/colormaps", http.StatusOK},
		{"/api/cache/stats", http.StatusOK},
		{"/api/gene_lookup", http.StatusBadRequest},
		{"/r/2/api/atlas", http.StatusOK},
		{"/r/2mm/api/genes", http.StatusOK},
		{"/r/3/api/genes", http.StatusNotFound},
		{"/r/abc/api/genes", http.StatusNotFound},
		{"/r/1/api/atlas", http.StatusServiceUnavailable},
		{"/r/1/api/genes/GENE001/regions", http.StatusServiceUnavailable},
		{"/r/2/api/genes/GENE001/regions", http.StatusOK},
		{"/r/2/api/genes/GENE001/regions?normalize=maybe", http.StatusBadRequest},
		{"/r/2/api/genes/NOPE/regions", http.StatusNotFound},
		{"/r/2/api/genes/GENE001/statmap.png", http.StatusOK},
		{"/r/2/api/genes/GENE001/statmap.png?colormap=viridis", http.StatusOK},
		{"/r/2/api/genes/GENE001/statmap.png?colormap=jet", http.StatusBadRequest},
		{"/r/2/api/genes/NOPE/statmap.png", http.StatusOK},
		{"/r/2/api/genes/NOPE/statmap.nii.gz", http.StatusOK},
		{"/r/2/api/genes/GENE001/barchart.png?normalize=true", http.StatusOK},
		{"/r/2/api/genes/NOPE/barchart.png", http.StatusNotFound},
		{"/r/2/api/genes/GENE001/export.csv", http.StatusOK},
		{"/r/2/api/genes/NOPE/export.csv", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := get(t, router, tc.path)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestResolutionsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	var payload struct {
		Default     string           `json:"default"`
		Resolutions []ResolutionInfo `json:"resolutions"`
		Title       string           `json:"title"`
	}
	decodeJSON(t, get(t, router, "/api/resolutions"), &payload)

	if payload.Default != "2mm" {
		t.Errorf("expected default 2mm, got %q", payload.Default)
	}
	if len(payload.Resolutions) != 2 || payload.Resolutions[0].Path != "/r/2mm" || payload.Resolutions[1].Resolution != 1 {
		t.Errorf("unexpected resolutions: %+v", payload.Resolutions)
	}
	if payload.Title == "" {
		t.Error("missing title")
	}
}

func TestAtlasEndpoint(t *testing.T) {
	router := newTestRouter(t)

	var info service.AtlasInfo
	decodeJSON(t, get(t, router, "/r/2/api/atlas"), &info)

	if info.Name != atlastest.Name || info.Resolution != "2mm" {
		t.Errorf("unexpected atlas %s %s", info.Name, info.Resolution)
	}
	if info.Dims != [3]int{4, 3, 2} {
		t.Errorf("unexpected dims %v", info.Dims)
	}
	if len(info.Labels) != 3 || info.Labels[1].Name != atlastest.RegionA {
		t.Errorf("unexpected labels %+v", info.Labels)
	}
	if info.Source != expression.KindSynthetic || info.Genes != 5 {
		t.Errorf("unexpected source %q with %d genes", info.Source, info.Genes)
	}
}

func TestRegionsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	var payload service.RegionValuesResponse
	decodeJSON(t, get(t, router, "/r/2/api/genes/GENE002/regions?normalize=1"), &payload)

	if payload.Gene != "GENE002" || !payload.Normalized || payload.Resolution != "2mm" {
		t.Errorf("unexpected response header fields: %+v", payload)
	}
	if len(payload.Regions) != 3 {
		t.Fatalf("expected 3 regions, got %d", len(payload.Regions))
	}
	if payload.Regions[0].Value != 1 || payload.Regions[2].Value != 0 {
		t.Errorf("normalized values should run from 1 down to 0: %+v", payload.Regions)
	}

	// Served from the query cache the second time.
	again := get(t, router, "/r/2/api/genes/GENE002/regions?normalize=1")
	var cached service.RegionValuesResponse
	decodeJSON(t, again, &cached)
	if len(cached.Regions) != 3 || cached.Regions[0] != payload.Regions[0] {
		t.Errorf("cached response differs: %+v", cached)
	}
}

func TestImageEndpoints(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{
		"/r/2/api/genes/GENE001/statmap.png",
		"/r/2/api/genes/GENE001/barchart.png",
	} {
		rec := get(t, router, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("%s: expected image/png, got %q", path, ct)
		}
		if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
			t.Errorf("%s: body is not a PNG", path)
		}
	}
}

func TestExportEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/r/2/api/genes/GENE003/export.csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "GENE003_region_expression.csv") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "gene,region,value\n") {
		t.Errorf("unexpected CSV header: %q", rec.Body.String())
	}

	tbl, err := expression.ReadCSV(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 3 {
		t.Errorf("expected 3 rows, got %d", tbl.Len())
	}
	if _, ok := tbl.Value("GENE003", atlas.BackgroundName); !ok {
		t.Error("export should keep the table's background row")
	}
}

func TestStatMapNIfTIEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/r/2/api/genes/GENE004/statmap.nii.gz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	img, err := nifti.Read(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if img.Dims() != [3]int{4, 3, 2} || img.Header.Datatype != nifti.Float64 {
		t.Errorf("unexpected image dims=%v datatype=%v", img.Dims(), img.Header.Datatype)
	}
	if v := img.Data[img.Index(0, 0, 0)]; v != 0 {
		t.Errorf("background voxel = %v, want 0", v)
	}
}

func TestGeneLookupEndpoint(t *testing.T) {
	router := newTestRouter(t)

	var payload struct {
		Gene        string   `json:"gene"`
		Resolutions []string `json:"resolutions"`
	}
	decodeJSON(t, get(t, router, "/api/gene_lookup?gene=GENE005"), &payload)
	if len(payload.Resolutions) != 1 || payload.Resolutions[0] != "2mm" {
		t.Errorf("expected only the available 2mm atlas, got %v", payload.Resolutions)
	}

	decodeJSON(t, get(t, router, "/api/gene_lookup?gene=NOPE"), &payload)
	if len(payload.Resolutions) != 0 {
		t.Errorf("unknown gene matched %v", payload.Resolutions)
	}
}
