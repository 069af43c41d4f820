package expression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/fsutil"
)

// Manifest describes how a cached table was produced.
type Manifest struct {
	Atlas       string    `json:"atlas"`
	Source      string    `json:"source"`
	Fingerprint string    `json:"label_fingerprint"`
	Genes       int       `json:"genes"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// Aggregator serves expression tables through a per-atlas file cache.
type Aggregator struct {
	source   Source
	cacheDir string
}

// NewAggregator creates an aggregator caching under cacheDir.
func NewAggregator(source Source, cacheDir string) *Aggregator {
	return &Aggregator{source: source, cacheDir: cacheDir}
}

// SourceKind returns the kind of the configured source.
func (g *Aggregator) SourceKind() string {
	return g.source.Kind()
}

// CachePaths returns the table and manifest paths for an atlas name.
func (g *Aggregator) CachePaths(atlasName string) (table, manifest string) {
	base := filepath.Join(g.cacheDir, "ahba_"+atlasName)
	return base + ".csv", base + ".json"
}

// Result is a table together with the manifest that describes it.
type Result struct {
	Table    *Table
	Manifest Manifest
	Cached   bool
}

// Aggregate returns the expression table for a, reading the cache file when
// it exists. A cache whose manifest records a different label table is
// regenerated. On error nothing is written.
func (g *Aggregator) Aggregate(ctx context.Context, a *atlas.Atlas) (*Result, error) {
	tablePath, manifestPath := g.CachePaths(a.Name)

	if fsutil.Exists(tablePath) {
		m, err := readManifest(manifestPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Printf("[expression] WARNING: %s has no manifest, using it as is", tablePath)
			return g.load(tablePath, a, Manifest{Atlas: a.Name, Fingerprint: a.Fingerprint()})
		case err != nil:
			log.Printf("[expression] unreadable manifest %s (%v), regenerating", manifestPath, err)
		case m.Fingerprint != a.Fingerprint():
			log.Printf("[expression] %s was built for labels %s, atlas has %s, regenerating",
				tablePath, m.Fingerprint, a.Fingerprint())
		default:
			return g.load(tablePath, a, m)
		}
	}

	start := time.Now()
	t, err := g.source.Generate(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("%s expression for %s: %w", g.source.Kind(), a.Name, err)
	}
	m := Manifest{
		Atlas:       a.Name,
		Source:      g.source.Kind(),
		Fingerprint: a.Fingerprint(),
		Genes:       len(t.Genes()),
		Rows:        t.Len(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := fsutil.WriteAtomic(tablePath, func(w io.Writer) error { return WriteCSV(w, t) }); err != nil {
		return nil, fmt.Errorf("failed to write expression cache: %w", err)
	}
	err = fsutil.WriteAtomic(manifestPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
	if err != nil {
		os.Remove(tablePath)
		return nil, fmt.Errorf("failed to write expression manifest: %w", err)
	}

	size := uint64(0)
	if fi, err := os.Stat(tablePath); err == nil {
		size = uint64(fi.Size())
	}
	log.Printf("[expression] %s: %d genes x %d rows from %s in %v, cached at %s (%s)",
		a.Name, m.Genes, m.Rows, m.Source, time.Since(start).Round(time.Millisecond), tablePath, humanize.Bytes(size))
	return &Result{Table: t, Manifest: m}, nil
}

func (g *Aggregator) load(path string, a *atlas.Atlas, m Manifest) (*Result, error) {
	t, err := ReadCSVFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expression cache %s: %w", path, err)
	}
	t, err = t.ResolveRegions(a)
	if err != nil {
		return nil, fmt.Errorf("expression cache %s: %w", path, err)
	}
	log.Printf("[expression] %s loaded from cache: %d genes, %d rows", a.Name, len(t.Genes()), t.Len())
	return &Result{Table: t, Manifest: m, Cached: true}, nil
}

func readManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}
