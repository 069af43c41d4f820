// Package render draws stat maps and bar charts as PNG images.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/statmap"
	"github.com/neurofusion/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	// CellSize is the pixel size of one 2mm voxel; 1mm voxels get half.
	CellSize        int
	DefaultColormap string
}

const (
	headerHeight  = 28
	panelGap      = 8
	colorbarWidth = 64
)

var background = color.RGBA{0, 0, 0, 255}

// StatMapRenderer draws orthogonal views of a stat map over its atlas.
type StatMapRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewStatMapRenderer creates a renderer.
func NewStatMapRenderer(cfg Config) *StatMapRenderer {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 4
	}
	if _, ok := colormap.Lookup(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "cold_hot"
	}
	return &StatMapRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// DefaultColormap returns the colormap used when none is requested.
func (r *StatMapRenderer) DefaultColormap() string {
	return r.config.DefaultColormap
}

// slice is one 2D cut through the volume; at(u, v) samples it with u to the
// right and v upward.
type slice struct {
	w, h int
	at   func(u, v int) (label int32, value float64)
}

// RenderOrtho draws sagittal, coronal and axial slices through the peak
// voxel of sm: atlas regions in gray, non-zero values in a diverging
// colormap symmetric around zero, and a colorbar.
func (r *StatMapRenderer) RenderOrtho(sm *statmap.StatMap, a *atlas.Atlas, title, cmapName string) ([]byte, error) {
	if sm.Dims() != a.Dims() {
		return nil, fmt.Errorf("stat map dims %v do not match atlas dims %v", sm.Dims(), a.Dims())
	}
	cmap, ok := colormap.Lookup(cmapName)
	if !ok {
		cmap, _ = colormap.Lookup(r.config.DefaultColormap)
	}

	d := a.Dims()
	peak := sm.Peak()
	voxel := func(x, y, z int) (int32, float64) {
		i := a.Image.Index(x, y, z)
		return a.Volume[i], sm.Data[i]
	}
	slices := []slice{
		{w: d[1], h: d[2], at: func(u, v int) (int32, float64) { return voxel(peak[0], u, v) }},
		{w: d[0], h: d[2], at: func(u, v int) (int32, float64) { return voxel(u, peak[1], v) }},
		{w: d[0], h: d[1], at: func(u, v int) (int32, float64) { return voxel(u, v, peak[2]) }},
	}

	cell := float64(r.config.CellSize) * a.Image.VoxelSize()[0] / 2
	if cell < 1 {
		cell = 1
	}
	width, height := panelGap, 0
	for _, s := range slices {
		width += int(math.Ceil(float64(s.w)*cell)) + panelGap
		if h := int(math.Ceil(float64(s.h) * cell)); h > height {
			height = h
		}
	}
	width += colorbarWidth
	height += headerHeight + panelGap

	lo, hi := sm.Range()
	limit := math.Max(math.Abs(lo), math.Abs(hi))

	dc := gg.NewContext(width, height)
	dc.SetColor(background)
	dc.Clear()

	dc.SetColor(color.White)
	dc.DrawStringAnchored(title, float64(panelGap), headerHeight/2, 0, 0.5)
	coords := a.VoxelToWorld(peak[0], peak[1], peak[2])
	dc.DrawStringAnchored(fmt.Sprintf("x=%.0f y=%.0f z=%.0f", coords[0], coords[1], coords[2]),
		float64(width-colorbarWidth), headerHeight/2, 1, 0.5)

	left := float64(panelGap)
	for _, s := range slices {
		top := float64(headerHeight) + float64(height-headerHeight-panelGap) - float64(s.h)*cell
		r.drawSlice(dc, s, left, top, cell, a.Background, cmap, limit)
		left += math.Ceil(float64(s.w)*cell) + panelGap
	}
	r.drawColorbar(dc, float64(width-colorbarWidth+panelGap), float64(headerHeight), float64(height-headerHeight-panelGap), cmap, limit)

	return r.encodeContext(dc)
}

func (r *StatMapRenderer) drawSlice(dc *gg.Context, s slice, left, top, cell float64, bg int, cmap colormap.Colormap, limit float64) {
	for v := 0; v < s.h; v++ {
		// Superior and anterior point up.
		py := top + float64(s.h-1-v)*cell
		for u := 0; u < s.w; u++ {
			label, value := s.at(u, v)
			switch {
			case value != 0:
				dc.SetColor(colormap.Diverging(cmap, value, limit))
			case int(label) != bg:
				dc.SetColor(anatomyShade(label))
			default:
				continue
			}
			dc.DrawRectangle(left+float64(u)*cell, py, cell, cell)
			dc.Fill()
		}
	}
}

// anatomyShade gives neighbouring regions slightly different grays.
func anatomyShade(label int32) color.Color {
	return colormap.Gray.At(0.3 + 0.25*float64(label%5)/4)
}

func (r *StatMapRenderer) drawColorbar(dc *gg.Context, x, top, height float64, cmap colormap.Colormap, limit float64) {
	const barWidth = 14
	const steps = 64
	step := height / steps
	for i := 0; i < steps; i++ {
		t := 1 - (float64(i)+0.5)/steps
		dc.SetColor(cmap.At(t))
		dc.DrawRectangle(x, top+float64(i)*step, barWidth, step+0.5)
		dc.Fill()
	}
	dc.SetColor(color.White)
	dc.DrawStringAnchored(fmt.Sprintf("%.2f", limit), x+barWidth+4, top+6, 0, 0.5)
	dc.DrawStringAnchored("0", x+barWidth+4, top+height/2, 0, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.2f", -limit), x+barWidth+4, top+height-6, 0, 0.5)
}

func (r *StatMapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
