package service

import (
	"context"
	"errors"
	"fmt"

	"gocloud.dev/blob"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/cache"
	"github.com/neurofusion/server/internal/config"
	"github.com/neurofusion/server/internal/expression"
	"github.com/neurofusion/server/internal/render"
	"github.com/neurofusion/server/internal/statmap"
)

// Stack holds the atlas source and expression aggregator built from a
// configuration. The server and the command line tools share it.
type Stack struct {
	Atlases *atlas.Source
	Tables  *expression.Aggregator

	closers []func() error
}

// OpenStack opens the atlas provider and the expression source named in cfg.
func OpenStack(ctx context.Context, cfg *config.Config) (*Stack, error) {
	provider, err := atlas.OpenProvider(ctx, cfg.Atlas.ProviderURL)
	if err != nil {
		return nil, err
	}
	s := &Stack{}
	if provider != nil {
		s.closers = append(s.closers, provider.Close)
	}

	s.Atlases = atlas.NewSource(AtlasSourceConfig(cfg.Atlas, provider))

	source, closeSource, err := expression.OpenSource(ExpressionSourceConfig(cfg.Expression))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, closeSource)
	s.Tables = expression.NewAggregator(source, cfg.Expression.CacheDir)
	return s, nil
}

// Close releases the provider bucket and the sample store.
func (s *Stack) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Explorers builds one explorer per configured resolution, in configuration
// order.
func (s *Stack) Explorers(cfg *config.Config, cm *cache.Manager, renderer *render.StatMapRenderer) ([]*Explorer, error) {
	explorers := make([]*Explorer, 0, len(cfg.Atlas.Resolutions))
	for _, r := range cfg.Atlas.Resolutions {
		res := atlas.Resolution(r)
		if !res.Valid() {
			return nil, fmt.Errorf("unsupported resolution %d", r)
		}
		explorers = append(explorers, NewExplorer(ExplorerConfig{
			Resolution: res,
			Atlases:    s.Atlases,
			Tables:     s.Tables,
			Cache:      cm,
			Renderer:   renderer,
			Paint:      PaintOptions(cfg.Atlas),
		}))
	}
	return explorers, nil
}

// AtlasSourceConfig maps the atlas section onto an atlas source config.
func AtlasSourceConfig(cfg config.AtlasConfig, provider *blob.Bucket) atlas.Config {
	return atlas.Config{
		Name:       cfg.Name,
		CacheDir:   cfg.CacheDir,
		Provider:   provider,
		VolumeKey:  cfg.VolumeKey,
		LabelsKey:  cfg.LabelsKey,
		Background: cfg.BackgroundIndex,
	}
}

// ExpressionSourceConfig maps the expression section onto a source config.
func ExpressionSourceConfig(cfg config.ExpressionConfig) expression.SourceConfig {
	return expression.SourceConfig{
		Kind:        cfg.Source,
		SamplesPath: cfg.SamplesPath,
		Seed:        cfg.Seed,
		NGenes:      cfg.NGenes,
		AHBA: expression.AHBAOptions{
			IBFThreshold: cfg.IBFThreshold,
			RegionAgg:    cfg.RegionAgg,
			DonorNorm:    cfg.DonorNorm,
			GeneNorm:     cfg.GeneNorm,
			Exact:        cfg.Exact,
			Tolerance:    cfg.ToleranceMM,
			LRMirror:     cfg.LRMirror,
		},
	}
}

// PaintOptions returns the stat map options for the atlas section.
func PaintOptions(cfg config.AtlasConfig) statmap.Options {
	return statmap.Options{
		Background:     cfg.BackgroundIndex,
		ZeroBackground: cfg.ZeroBackground,
	}
}
