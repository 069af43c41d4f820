// Package colormap provides color schemes for visualization.
package colormap

import (
	"image/color"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Diverging maps a signed value to a color around a zero midpoint: 0.5 is
// zero, 0 is -limit, 1 is +limit.
func Diverging(c Colormap, v, limit float64) color.Color {
	if limit <= 0 {
		return c.At(0.5)
	}
	return c.At(0.5 + 0.5*v/limit)
}

// ColdHot runs cyan, blue, black, red, yellow; the usual stat map scheme.
var ColdHot = LinearColormap{
	colors: []color.RGBA{
		{0, 255, 255, 255},
		{0, 128, 255, 255},
		{0, 0, 255, 255},
		{0, 0, 128, 255},
		{0, 0, 0, 255},
		{128, 0, 0, 255},
		{255, 0, 0, 255},
		{255, 128, 0, 255},
		{255, 255, 0, 255},
	},
}

// CoolWarm colormap (matplotlib coolwarm)
var CoolWarm = LinearColormap{
	colors: []color.RGBA{
		{59, 76, 192, 255},
		{98, 130, 234, 255},
		{141, 176, 254, 255},
		{184, 208, 249, 255},
		{221, 221, 221, 255},
		{245, 196, 173, 255},
		{244, 154, 123, 255},
		{222, 96, 77, 255},
		{180, 4, 38, 255},
	},
}

// RdBu colormap, reversed so that high values are red (matplotlib RdBu_r)
var RdBu = LinearColormap{
	colors: []color.RGBA{
		{5, 48, 97, 255},
		{33, 102, 172, 255},
		{67, 147, 195, 255},
		{146, 197, 222, 255},
		{247, 247, 247, 255},
		{244, 165, 130, 255},
		{214, 96, 77, 255},
		{178, 24, 43, 255},
		{103, 0, 31, 255},
	},
}

// Gray is a black to white ramp for anatomy.
var Gray = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

var registry = map[string]Colormap{
	"cold_hot": ColdHot,
	"coolwarm": CoolWarm,
	"rdbu_r":   RdBu,
	"gray":     Gray,
	"viridis":  Viridis,
	"magma":    Magma,
}

// Lookup returns a colormap by case-insensitive name.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Names returns the registered colormap names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
