package expression

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/samplestore"
)

// Source kinds. KindAuto is only a selection mode.
const (
	KindAHBA      = "ahba"
	KindSynthetic = "synthetic"
	KindAuto      = "auto"
)

// Source produces a region-level expression table for an atlas.
type Source interface {
	Kind() string
	Generate(ctx context.Context, a *atlas.Atlas) (*Table, error)
}

// SourceConfig selects and configures the expression source.
type SourceConfig struct {
	Kind        string
	SamplesPath string
	Seed        uint64
	NGenes      int
	AHBA        AHBAOptions
}

// OpenSource picks the source once at startup. KindAuto uses the sample store
// when it exists and the synthetic generator otherwise. The returned closer
// releases the sample store, if one was opened.
func OpenSource(cfg SourceConfig) (Source, func() error, error) {
	noop := func() error { return nil }
	synthetic := func() Source {
		return &SyntheticSource{Seed: cfg.Seed, NGenes: cfg.NGenes}
	}

	switch cfg.Kind {
	case KindSynthetic:
		return synthetic(), noop, nil
	case KindAHBA, KindAuto, "":
		store, err := samplestore.Open(cfg.SamplesPath)
		if err != nil {
			if cfg.Kind == KindAHBA || !errors.Is(err, samplestore.ErrNotFound) {
				return nil, nil, fmt.Errorf("failed to open sample store: %w", err)
			}
			log.Printf("[expression] WARNING: no sample store at %q, using synthetic expression data (genes GENE001..)", cfg.SamplesPath)
			return synthetic(), noop, nil
		}
		return NewAHBASource(store, cfg.AHBA), store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown expression source %q (expected ahba, synthetic or auto)", cfg.Kind)
	}
}
