package render

import (
	"bytes"
	"errors"
	"image/color"
	"math"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/neurofusion/server/internal/expression"
	"github.com/neurofusion/server/pkg/colormap"
)

const (
	barWidth    = 18
	barSpacing  = 6
	chartHeight = 480
	minWidth    = 320
)

// ErrNoBars is returned when there is nothing to plot.
var ErrNoBars = errors.New("bar chart needs at least one region")

// RenderBarChart draws one bar per region, tallest first, colored by sign
// and magnitude.
func RenderBarChart(title string, rows []expression.Row) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrNoBars
	}
	sorted := append([]expression.Row(nil), rows...)
	expression.SortByValue(sorted)

	lo, hi := 0.0, 0.0
	for _, r := range sorted {
		lo = math.Min(lo, r.Value)
		hi = math.Max(hi, r.Value)
	}
	if hi-lo == 0 {
		hi = 1
	}
	limit := math.Max(math.Abs(lo), math.Abs(hi))

	bars := make([]chart.Value, len(sorted))
	for i, r := range sorted {
		c := colormap.Diverging(colormap.CoolWarm, r.Value, limit)
		bars[i] = chart.Value{
			Label: r.Region,
			Value: r.Value,
			Style: chart.Style{
				FillColor:   toDrawing(c),
				StrokeColor: toDrawing(c),
				StrokeWidth: 1,
			},
		}
	}

	width := len(bars)*(barWidth+barSpacing) + 120
	if width < minWidth {
		width = minWidth
	}

	bc := chart.BarChart{
		Title:      title,
		TitleStyle: chart.Style{FontSize: 12},
		Width:      width,
		Height:     chartHeight,
		BarWidth:   barWidth,
		BarSpacing: barSpacing,
		Background: chart.Style{
			Padding: chart.Box{Top: 48, Left: 16, Right: 16, Bottom: 16},
		},
		XAxis: chart.Style{FontSize: 6},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: lo, Max: hi},
			Style: chart.Style{FontSize: 8},
		},
		UseBaseValue: true,
		BaseValue:    0,
		Bars:         bars,
	}

	var buf bytes.Buffer
	if err := bc.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toDrawing(c color.Color) drawing.Color {
	r, g, b, a := c.RGBA()
	return drawing.Color{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
}
