package expression

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/neurofusion/server/internal/atlas"
)

const (
	DefaultSeed   = 42
	DefaultNGenes = 100
)

// SyntheticSource generates demo data: genes GENE001..GENEnnn, one standard
// normal draw per (gene, label) in gene-major, label-table order. The label
// table includes the background entry. Output depends only on the seed, gene
// count and label table.
type SyntheticSource struct {
	Seed   uint64
	NGenes int
}

func (s *SyntheticSource) Kind() string { return KindSynthetic }

// GeneName returns the synthetic name of the i-th gene, counting from 1.
func GeneName(i int) string {
	return fmt.Sprintf("GENE%03d", i)
}

func (s *SyntheticSource) Generate(ctx context.Context, a *atlas.Atlas) (*Table, error) {
	n := s.NGenes
	if n <= 0 {
		n = DefaultNGenes
	}
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed))

	rows := make([]Row, 0, n*len(a.Labels))
	for g := 1; g <= n; g++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gene := GeneName(g)
		for _, l := range a.Labels {
			rows = append(rows, Row{Gene: gene, Region: l.Name, Value: rng.NormFloat64()})
		}
	}
	return NewTable(rows)
}
