// Package service provides the gene expression explorer behind the HTTP API.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/cache"
	"github.com/neurofusion/server/internal/data/nifti"
	"github.com/neurofusion/server/internal/expression"
	"github.com/neurofusion/server/internal/render"
	"github.com/neurofusion/server/internal/statmap"
)

// AtlasLoader loads an atlas at a resolution.
type AtlasLoader interface {
	Load(ctx context.Context, res atlas.Resolution) (*atlas.Atlas, error)
}

// TableBuilder produces the expression table of an atlas.
type TableBuilder interface {
	Aggregate(ctx context.Context, a *atlas.Atlas) (*expression.Result, error)
	SourceKind() string
}

// ExplorerConfig contains explorer configuration.
type ExplorerConfig struct {
	Resolution atlas.Resolution
	Atlases    AtlasLoader
	Tables     TableBuilder
	Cache      *cache.Manager
	Renderer   *render.StatMapRenderer
	Paint      statmap.Options
}

// Explorer serves one atlas resolution. The atlas and expression table are
// loaded on first use and kept; concurrent first calls share one load. A
// failed load is not kept, so the next call tries again.
type Explorer struct {
	res      atlas.Resolution
	atlases  AtlasLoader
	tables   TableBuilder
	cache    *cache.Manager
	renderer *render.StatMapRenderer
	paint    statmap.Options

	group singleflight.Group
	mu    sync.RWMutex
	data  *dataset
}

type dataset struct {
	atlas    *atlas.Atlas
	table    *expression.Table
	manifest expression.Manifest
}

// AtlasInfo describes the loaded atlas and expression source.
type AtlasInfo struct {
	Name        string        `json:"name"`
	Resolution  string        `json:"resolution"`
	Dims        [3]int        `json:"dims"`
	VoxelSize   [3]float64    `json:"voxel_size_mm"`
	Labels      []atlas.Label `json:"labels"`
	Fingerprint string        `json:"label_fingerprint"`
	Source      string        `json:"source"`
	Genes       int           `json:"genes"`
}

// NewExplorer creates an explorer.
func NewExplorer(cfg ExplorerConfig) *Explorer {
	return &Explorer{
		res:      cfg.Resolution,
		atlases:  cfg.Atlases,
		tables:   cfg.Tables,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		paint:    cfg.Paint,
	}
}

// Resolution returns the atlas resolution served.
func (e *Explorer) Resolution() atlas.Resolution {
	return e.res
}

// DefaultColormap returns the colormap used when a request names none.
func (e *Explorer) DefaultColormap() string {
	return e.renderer.DefaultColormap()
}

// Load loads the atlas and expression table if needed.
func (e *Explorer) Load(ctx context.Context) error {
	_, err := e.load(ctx)
	return err
}

func (e *Explorer) load(ctx context.Context) (*dataset, error) {
	e.mu.RLock()
	data := e.data
	e.mu.RUnlock()
	if data != nil {
		return data, nil
	}

	// Detached from the caller: one cancelled request must not fail the
	// load shared with the others.
	loadCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan("load", func() (interface{}, error) {
		e.mu.RLock()
		data := e.data
		e.mu.RUnlock()
		if data != nil {
			return data, nil
		}

		data, err := e.loadDataset(loadCtx)
		if err != nil {
			log.Printf("[service] %s: load failed: %v", e.res, err)
			return nil, err
		}
		e.mu.Lock()
		e.data = data
		e.mu.Unlock()
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*dataset), nil
	}
}

func (e *Explorer) loadDataset(ctx context.Context) (*dataset, error) {
	a, err := e.atlases.Load(ctx, e.res)
	if err != nil {
		return nil, err
	}
	result, err := e.tables.Aggregate(ctx, a)
	if err != nil {
		return nil, err
	}
	log.Printf("[service] %s ready: atlas=%s labels=%d genes=%d source=%s cached=%v",
		e.res, a.Name, len(a.Labels), len(result.Table.Genes()), result.Manifest.Source, result.Cached)
	return &dataset{atlas: a, table: result.Table, manifest: result.Manifest}, nil
}

// Info describes the atlas and the expression source.
func (e *Explorer) Info(ctx context.Context) (*AtlasInfo, error) {
	d, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	source := d.manifest.Source
	if source == "" {
		source = e.tables.SourceKind()
	}
	return &AtlasInfo{
		Name:        d.atlas.Name,
		Resolution:  e.res.String(),
		Dims:        d.atlas.Dims(),
		VoxelSize:   d.atlas.Image.VoxelSize(),
		Labels:      d.atlas.Labels,
		Fingerprint: d.atlas.Fingerprint(),
		Source:      source,
		Genes:       len(d.table.Genes()),
	}, nil
}

// Labels returns the atlas label table, background included.
func (e *Explorer) Labels(ctx context.Context) ([]atlas.Label, error) {
	d, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.atlas.Labels, nil
}

// Genes returns the sorted gene list.
func (e *Explorer) Genes(ctx context.Context) ([]string, error) {
	d, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.table.Genes(), nil
}

// HasGene reports whether the expression table has gene.
func (e *Explorer) HasGene(ctx context.Context, gene string) (bool, error) {
	d, err := e.load(ctx)
	if err != nil {
		return false, err
	}
	return d.table.HasGene(gene), nil
}

// GeneRows returns the rows of gene in table order, optionally min-max
// normalized.
func (e *Explorer) GeneRows(ctx context.Context, gene string, normalize bool) ([]expression.Row, error) {
	d, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	rows := d.table.ForGene(gene)
	if rows == nil {
		return nil, fmt.Errorf("%w: %s", expression.ErrGeneNotFound, gene)
	}
	if normalize {
		rows = expression.NormalizeRows(rows)
	}
	return rows, nil
}

// RegionValues returns the region values of gene, highest first, optionally
// min-max normalized.
func (e *Explorer) RegionValues(ctx context.Context, gene string, normalize bool) ([]expression.Row, error) {
	rows, err := e.GeneRows(ctx, gene, normalize)
	if err != nil {
		return nil, err
	}
	expression.SortByValue(rows)
	return rows, nil
}

// RegionValuesResponse is the JSON form of RegionValues.
type RegionValuesResponse struct {
	Gene       string           `json:"gene"`
	Resolution string           `json:"resolution"`
	Normalized bool             `json:"normalized"`
	Regions    []expression.Row `json:"regions"`
}

// RegionValuesJSON returns RegionValues encoded as JSON, memoized in the
// query cache.
func (e *Explorer) RegionValuesJSON(ctx context.Context, gene string, normalize bool) ([]byte, error) {
	key := cache.QueryKey("regions", e.res.String(), map[string]string{
		"gene":      gene,
		"normalize": strconv.FormatBool(normalize),
	})
	if data, ok := e.cache.GetQuery(key); ok {
		return data, nil
	}

	rows, err := e.RegionValues(ctx, gene, normalize)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(RegionValuesResponse{
		Gene:       gene,
		Resolution: e.res.String(),
		Normalized: normalize,
		Regions:    rows,
	})
	if err != nil {
		return nil, err
	}
	e.cache.SetQuery(key, data)
	return data, nil
}

// StatMap paints the stat map of gene. An unknown gene gives an all-zero map.
func (e *Explorer) StatMap(ctx context.Context, gene string) (*statmap.StatMap, error) {
	d, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	return statmap.Paint(d.atlas, d.table, gene, e.paint), nil
}

// StatMapPNG renders orthogonal views of the stat map of gene.
func (e *Explorer) StatMapPNG(ctx context.Context, gene, cmap string) ([]byte, error) {
	if cmap == "" {
		cmap = e.DefaultColormap()
	}
	key := cache.StatMapKey(e.res.String(), gene, cmap)
	if data, ok := e.cache.GetImage(key); ok {
		return data, nil
	}

	d, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	sm := statmap.Paint(d.atlas, d.table, gene, e.paint)
	title := fmt.Sprintf("%s expression (%s, %s)", gene, d.atlas.Name, e.res)
	data, err := e.renderer.RenderOrtho(sm, d.atlas, title, cmap)
	if err != nil {
		return nil, fmt.Errorf("failed to render stat map: %w", err)
	}

	if err := e.cache.SetImage(key, data); err != nil {
		log.Printf("[service] stat map %s not cached: %v", key, err)
	}
	return data, nil
}

// BarChartPNG renders the per-region bar chart of gene.
func (e *Explorer) BarChartPNG(ctx context.Context, gene string, normalize bool) ([]byte, error) {
	key := cache.BarChartKey(e.res.String(), gene, normalize)
	if data, ok := e.cache.GetImage(key); ok {
		return data, nil
	}

	rows, err := e.RegionValues(ctx, gene, normalize)
	if err != nil {
		return nil, err
	}
	title := fmt.Sprintf("%s across regions", gene)
	if normalize {
		title += " (normalized)"
	}
	data, err := render.RenderBarChart(title, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to render bar chart: %w", err)
	}

	if err := e.cache.SetImage(key, data); err != nil {
		log.Printf("[service] bar chart %s not cached: %v", key, err)
	}
	return data, nil
}

// ExportCSV writes the gene,region,value rows of gene in table order.
func (e *Explorer) ExportCSV(ctx context.Context, w io.Writer, gene string, normalize bool) error {
	d, err := e.load(ctx)
	if err != nil {
		return err
	}
	return expression.WriteGeneCSV(w, d.table, gene, normalize)
}

// StatMapNIfTI writes the stat map of gene as a gzipped NIfTI-1 image.
func (e *Explorer) StatMapNIfTI(ctx context.Context, w io.Writer, gene string) error {
	sm, err := e.StatMap(ctx, gene)
	if err != nil {
		return err
	}
	return nifti.WriteGzip(w, sm.Image())
}
