// Package atlas loads labeled brain-region atlases: a 3D volume of integer
// region indices plus the table naming each index.
package atlas

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofusion/server/internal/data/nifti"
)

var (
	// ErrUnavailable means the atlas is neither cached nor obtainable from the
	// provider. There is no substitute for atlas geometry, so callers treat it
	// as fatal.
	ErrUnavailable = errors.New("atlas unavailable")

	// ErrInvalid means the volume and label table are inconsistent.
	ErrInvalid = errors.New("invalid atlas")
)

// Resolution is the isotropic voxel size in millimetres.
type Resolution int

const (
	Res1mm Resolution = 1
	Res2mm Resolution = 2
)

// Resolutions lists the supported resolutions.
var Resolutions = []Resolution{Res2mm, Res1mm}

// ParseResolution accepts "1", "2", "1mm" or "2mm".
func ParseResolution(s string) (Resolution, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "mm"))
	if err != nil {
		return 0, fmt.Errorf("invalid resolution %q", s)
	}
	r := Resolution(n)
	if !r.Valid() {
		return 0, fmt.Errorf("unsupported resolution %q (expected 1 or 2)", s)
	}
	return r, nil
}

// Valid reports whether r is a supported resolution.
func (r Resolution) Valid() bool {
	return r == Res1mm || r == Res2mm
}

func (r Resolution) String() string {
	return strconv.Itoa(int(r)) + "mm"
}

// Label names one region index.
type Label struct {
	Index int    `json:"index"`
	Name  string `json:"label"`
}

// Atlas is an immutable labeled volume.
type Atlas struct {
	Name       string
	Resolution Resolution
	Background int

	// Image carries the header (geometry) of the label volume.
	Image  *nifti.Image
	Volume []int32
	Labels []Label

	names    map[int32]string
	worldInv [3][4]float64
}

// New builds an atlas from a decoded label image and its label table and
// checks the invariants: label indices are unique and every voxel that is not
// background has a label.
func New(name string, res Resolution, img *nifti.Image, labels []Label, background int) (*Atlas, error) {
	a := &Atlas{
		Name:       name,
		Resolution: res,
		Background: background,
		Image:      img,
		Volume:     make([]int32, len(img.Data)),
		Labels:     labels,
		names:      make(map[int32]string, len(labels)),
	}
	for i, v := range img.Data {
		if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return nil, fmt.Errorf("%w: voxel %d holds non-integer label %v", ErrInvalid, i, v)
		}
		a.Volume[i] = int32(v)
	}
	for _, l := range labels {
		if _, dup := a.names[int32(l.Index)]; dup {
			return nil, fmt.Errorf("%w: duplicate label index %d", ErrInvalid, l.Index)
		}
		a.names[int32(l.Index)] = l.Name
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := a.invertAffine(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks that every non-background voxel value has a label.
func (a *Atlas) Validate() error {
	for _, idx := range a.RegionIndices() {
		if int(idx) == a.Background {
			continue
		}
		if _, ok := a.names[idx]; !ok {
			return fmt.Errorf("%w: volume value %d has no label", ErrInvalid, idx)
		}
	}
	return nil
}

// Dims returns the volume dimensions.
func (a *Atlas) Dims() [3]int {
	return a.Image.Dims()
}

// LabelName returns the region name for a volume value.
func (a *Atlas) LabelName(idx int32) (string, bool) {
	name, ok := a.names[idx]
	return name, ok
}

// RegionIndices returns the distinct values present in the volume, ascending.
func (a *Atlas) RegionIndices() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range a.Volume {
		seen[v] = struct{}{}
	}
	out := make([]int32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fingerprint identifies the label table. Expression tables are joined on
// region names, so two atlases with the same fingerprint can share one.
func (a *Atlas) Fingerprint() string {
	sorted := append([]Label(nil), a.Labels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	h := sha256.New()
	for _, l := range sorted {
		fmt.Fprintf(h, "%d\t%s\n", l.Index, l.Name)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// VoxelToWorld maps voxel indices to world (MNI) millimetres.
func (a *Atlas) VoxelToWorld(i, j, k int) [3]float64 {
	m := a.Image.Affine()
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = m[r][0]*float64(i) + m[r][1]*float64(j) + m[r][2]*float64(k) + m[r][3]
	}
	return out
}

// WorldToVoxel maps world millimetres to the nearest voxel. ok is false when
// the point falls outside the volume.
func (a *Atlas) WorldToVoxel(p [3]float64) (ijk [3]int, ok bool) {
	d := a.Dims()
	for r := 0; r < 3; r++ {
		m := a.worldInv[r]
		v := math.Round(m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3])
		if v < 0 || int(v) >= d[r] {
			return ijk, false
		}
		ijk[r] = int(v)
	}
	return ijk, true
}

// LabelAt returns the volume value at voxel (i, j, k).
func (a *Atlas) LabelAt(ijk [3]int) int32 {
	return a.Volume[a.Image.Index(ijk[0], ijk[1], ijk[2])]
}

func (a *Atlas) invertAffine() error {
	m := a.Image.Affine()
	aff := mat.NewDense(4, 4, []float64{
		m[0][0], m[0][1], m[0][2], m[0][3],
		m[1][0], m[1][1], m[1][2], m[1][3],
		m[2][0], m[2][1], m[2][2], m[2][3],
		0, 0, 0, 1,
	})
	var inv mat.Dense
	if err := inv.Inverse(aff); err != nil {
		return fmt.Errorf("%w: singular affine: %v", ErrInvalid, err)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a.worldInv[r][c] = inv.At(r, c)
		}
	}
	return nil
}
