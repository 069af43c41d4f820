package expression

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/samplestore"
)

// Region aggregation statistics.
const (
	AggMean   = "mean"
	AggMedian = "median"
)

// AHBAOptions controls how tissue samples are aggregated onto regions.
type AHBAOptions struct {
	// IBFThreshold is the minimum fraction of informative measurements a
	// gene needs to be kept.
	IBFThreshold float64

	// RegionAgg is AggMean or AggMedian.
	RegionAgg string

	// DonorNorm z-scores each gene within each donor before aggregation.
	DonorNorm bool

	// GeneNorm z-scores each gene across regions after aggregation.
	GeneNorm bool

	// Exact keeps only samples that fall inside a labeled voxel. Otherwise a
	// sample is assigned to the nearest labeled voxel within Tolerance mm.
	Exact     bool
	Tolerance float64

	// LRMirror adds a copy of every sample reflected across x=0.
	LRMirror bool
}

// DefaultAHBAOptions returns the options used when none are configured.
func DefaultAHBAOptions() AHBAOptions {
	return AHBAOptions{
		IBFThreshold: 0.5,
		RegionAgg:    AggMean,
		DonorNorm:    true,
		GeneNorm:     true,
		Exact:        false,
		Tolerance:    2,
		LRMirror:     true,
	}
}

// AHBASource aggregates donor tissue samples from a sample store.
type AHBASource struct {
	store *samplestore.Store
	opts  AHBAOptions
}

// NewAHBASource creates a source reading from store.
func NewAHBASource(store *samplestore.Store, opts AHBAOptions) *AHBASource {
	if opts.RegionAgg == "" {
		opts.RegionAgg = AggMean
	}
	return &AHBASource{store: store, opts: opts}
}

func (s *AHBASource) Kind() string { return KindAHBA }

// assignment places one (possibly mirrored) sample in a region.
type assignment struct {
	sample int64
	donor  string
	label  int32
}

func (s *AHBASource) Generate(ctx context.Context, a *atlas.Atlas) (*Table, error) {
	if s.opts.RegionAgg != AggMean && s.opts.RegionAgg != AggMedian {
		return nil, fmt.Errorf("unknown region aggregation %q", s.opts.RegionAgg)
	}

	samples, err := s.store.Samples(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	fractions, err := s.store.InformativeFractions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read informative fractions: %w", err)
	}

	assigned := s.assign(a, samples)
	if len(assigned) == 0 {
		return nil, errors.New("no tissue sample falls within the atlas regions")
	}

	kept := 0
	for _, f := range fractions {
		if f >= s.opts.IBFThreshold {
			kept++
		}
	}
	log.Printf("[expression] ahba: %d/%d samples assigned (mirror=%v exact=%v), %d/%d genes pass ibf_threshold=%.2f",
		len(assigned), len(samples), s.opts.LRMirror, s.opts.Exact, kept, len(fractions), s.opts.IBFThreshold)

	var rows []Row
	gene := ""
	values := make(map[int64]float64)
	flush := func() {
		if gene != "" && fractions[gene] >= s.opts.IBFThreshold {
			rows = append(rows, s.aggregateGene(a, gene, values, assigned)...)
		}
		clear(values)
	}
	err = s.store.Measurements(ctx, func(m samplestore.Measurement) error {
		if m.Gene != gene {
			flush()
			gene = m.Gene
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		values[m.SampleID] = m.Value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read measurements: %w", err)
	}
	flush()

	if len(rows) == 0 {
		return nil, errors.New("no gene passed the informative fraction threshold")
	}
	return NewTable(rows)
}

// aggregateGene turns one gene's per-sample values into per-region rows in
// label index order.
func (s *AHBASource) aggregateGene(a *atlas.Atlas, gene string, values map[int64]float64, assigned []assignment) []Row {
	if s.opts.DonorNorm {
		values = donorNormalize(values, assigned)
	}

	byRegion := make(map[int32][]float64)
	for _, as := range assigned {
		v, ok := values[as.sample]
		if !ok || math.IsNaN(v) {
			continue
		}
		byRegion[as.label] = append(byRegion[as.label], v)
	}

	labels := make([]int32, 0, len(byRegion))
	for l := range byRegion {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	agg := make([]float64, len(labels))
	for i, l := range labels {
		if s.opts.RegionAgg == AggMedian {
			agg[i] = median(byRegion[l])
		} else {
			agg[i] = stat.Mean(byRegion[l], nil)
		}
	}
	if s.opts.GeneNorm {
		agg = Standardize(agg)
	}

	rows := make([]Row, len(labels))
	for i, l := range labels {
		name, _ := a.LabelName(l)
		rows[i] = Row{Gene: gene, Region: name, Value: agg[i]}
	}
	return rows
}

// donorNormalize z-scores the values of each donor's samples separately.
func donorNormalize(values map[int64]float64, assigned []assignment) map[int64]float64 {
	donorOf := make(map[int64]string)
	for _, as := range assigned {
		donorOf[as.sample] = as.donor
	}
	ids := make(map[string][]int64)
	for id := range values {
		if d, ok := donorOf[id]; ok {
			ids[d] = append(ids[d], id)
		}
	}

	out := make(map[int64]float64, len(values))
	for _, group := range ids {
		vals := make([]float64, len(group))
		for i, id := range group {
			vals[i] = values[id]
		}
		z := Standardize(vals)
		for i, id := range group {
			out[id] = z[i]
		}
	}
	return out
}

// assign maps samples (and their mirror images) to non-background labels.
func (s *AHBASource) assign(a *atlas.Atlas, samples []samplestore.Sample) []assignment {
	var nearest *labeledVoxels
	locate := func(p [3]float64) (int32, bool) {
		if ijk, ok := a.WorldToVoxel(p); ok {
			if l := a.LabelAt(ijk); int(l) != a.Background {
				return l, true
			}
		}
		if s.opts.Exact || s.opts.Tolerance <= 0 {
			return 0, false
		}
		if nearest == nil {
			nearest = newLabeledVoxels(a)
		}
		return nearest.within(p, s.opts.Tolerance)
	}

	var out []assignment
	for _, smp := range samples {
		if l, ok := locate(smp.MNI); ok {
			out = append(out, assignment{sample: smp.ID, donor: smp.Donor, label: l})
		}
		if s.opts.LRMirror && smp.MNI[0] != 0 {
			m := smp.MNI
			m[0] = -m[0]
			if l, ok := locate(m); ok {
				out = append(out, assignment{sample: smp.ID, donor: smp.Donor, label: l})
			}
		}
	}
	return out
}

// voxelPoint is a labeled voxel centre in world millimetres.
type voxelPoint struct {
	X, Y, Z float64
	Label   int32
}

func (p voxelPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(voxelPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p voxelPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance.
func (p voxelPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(voxelPoint)
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return dx*dx + dy*dy + dz*dz
}

type voxelPoints []voxelPoint

func (p voxelPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p voxelPoints) Len() int                              { return len(p) }
func (p voxelPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p voxelPoints) Pivot(d kdtree.Dim) int {
	plane := voxelPlane{voxelPoints: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

type voxelPlane struct {
	voxelPoints
	kdtree.Dim
}

func (p voxelPlane) Less(i, j int) bool {
	return p.voxelPoints[i].Compare(p.voxelPoints[j], p.Dim) < 0
}

func (p voxelPlane) Slice(start, end int) kdtree.SortSlicer {
	return voxelPlane{voxelPoints: p.voxelPoints[start:end], Dim: p.Dim}
}

func (p voxelPlane) Swap(i, j int) {
	p.voxelPoints[i], p.voxelPoints[j] = p.voxelPoints[j], p.voxelPoints[i]
}

// labeledVoxels answers nearest labeled voxel queries.
type labeledVoxels struct {
	tree *kdtree.Tree
}

func newLabeledVoxels(a *atlas.Atlas) *labeledVoxels {
	d := a.Dims()
	var pts voxelPoints
	for k := 0; k < d[2]; k++ {
		for j := 0; j < d[1]; j++ {
			for i := 0; i < d[0]; i++ {
				l := a.LabelAt([3]int{i, j, k})
				if int(l) == a.Background {
					continue
				}
				w := a.VoxelToWorld(i, j, k)
				pts = append(pts, voxelPoint{X: w[0], Y: w[1], Z: w[2], Label: l})
			}
		}
	}
	if len(pts) == 0 {
		return &labeledVoxels{}
	}
	return &labeledVoxels{tree: kdtree.New(pts, false)}
}

func (lv *labeledVoxels) within(p [3]float64, tol float64) (int32, bool) {
	if lv.tree == nil {
		return 0, false
	}
	got, dist := lv.tree.Nearest(voxelPoint{X: p[0], Y: p[1], Z: p[2]})
	if got == nil || dist > tol*tol {
		return 0, false
	}
	return got.(voxelPoint).Label, true
}
