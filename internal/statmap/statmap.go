// Package statmap paints per-region values of one gene into an atlas-shaped
// volume.
package statmap

import (
	"math"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/data/nifti"
	"github.com/neurofusion/server/internal/expression"
)

// Options controls painting.
type Options struct {
	// Background is the volume value reserved for "no region".
	Background int

	// ZeroBackground forces background voxels to 0 whatever the table says.
	ZeroBackground bool
}

// DefaultOptions treats label 0 as background and zeroes it.
func DefaultOptions() Options {
	return Options{Background: 0, ZeroBackground: true}
}

// StatMap is a float64 volume with the geometry of the atlas it was painted
// from.
type StatMap struct {
	Gene string
	Data []float64

	ref *nifti.Image
}

// Paint builds the stat map of gene. Each voxel takes the table value of its
// region, joined through the label name; regions without a row or with a NaN
// value are 0. A gene missing from the table gives an all-zero map.
func Paint(a *atlas.Atlas, t *expression.Table, gene string, opts Options) *StatMap {
	values := t.RegionValues(gene)

	lookup := make(map[int32]float64)
	for _, idx := range a.RegionIndices() {
		if opts.ZeroBackground && int(idx) == opts.Background {
			continue
		}
		name, ok := a.LabelName(idx)
		if !ok {
			continue
		}
		if v, ok := values[name]; ok && v != 0 && !math.IsNaN(v) {
			lookup[idx] = v
		}
	}

	data := make([]float64, len(a.Volume))
	if len(lookup) > 0 {
		for i, idx := range a.Volume {
			data[i] = lookup[idx]
		}
	}
	return &StatMap{Gene: gene, Data: data, ref: a.Image}
}

// Dims returns the volume dimensions.
func (m *StatMap) Dims() [3]int {
	return m.ref.Dims()
}

// At returns the value at voxel (x, y, z).
func (m *StatMap) At(x, y, z int) float64 {
	return m.Data[m.ref.Index(x, y, z)]
}

// Affine returns the voxel to world transform shared with the atlas.
func (m *StatMap) Affine() [3][4]float64 {
	return m.ref.Affine()
}

// Range returns the minimum and maximum values.
func (m *StatMap) Range() (lo, hi float64) {
	if len(m.Data) == 0 {
		return 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range m.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Peak returns the voxel with the largest absolute value, the first one in
// storage order on ties. An all-zero map peaks at the volume centre.
func (m *StatMap) Peak() [3]int {
	d := m.Dims()
	best, bestAbs := -1, 0.0
	for i, v := range m.Data {
		if a := math.Abs(v); a > bestAbs {
			best, bestAbs = i, a
		}
	}
	if best < 0 {
		return [3]int{d[0] / 2, d[1] / 2, d[2] / 2}
	}
	return [3]int{best % d[0], (best / d[0]) % d[1], best / (d[0] * d[1])}
}

// Image returns the map as a float64 NIfTI image with the atlas geometry.
func (m *StatMap) Image() *nifti.Image {
	img := nifti.NewLike(m.ref, m.Data)
	img.SetDescription("expression " + m.Gene)
	return img
}
