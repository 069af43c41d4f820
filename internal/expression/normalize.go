package expression

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Normalize rescales values to [0, 1] by min-max. NaN entries are ignored
// for the range and stay NaN. A constant series maps to all zeros. The input
// is not modified.
func Normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	present := withoutNaN(values)
	var span, lo float64
	if len(present) > 0 {
		lo = floats.Min(present)
		span = floats.Max(present) - lo
	}
	for i, v := range values {
		switch {
		case math.IsNaN(v):
			out[i] = v
		case span > 0 && !math.IsInf(span, 0):
			out[i] = (v - lo) / span
		}
	}
	return out
}

// Standardize z-scores values with the population standard deviation. NaN
// entries are ignored and stay NaN. A constant series maps to all zeros.
func Standardize(values []float64) []float64 {
	out := make([]float64, len(values))
	present := withoutNaN(values)
	var mean, std float64
	if len(present) >= 2 {
		mean, std = stat.PopMeanStdDev(present, nil)
	}
	for i, v := range values {
		switch {
		case math.IsNaN(v):
			out[i] = v
		case std > 0 && !math.IsNaN(std):
			out[i] = (v - mean) / std
		}
	}
	return out
}

func withoutNaN(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// NormalizeRows returns a copy of rows with values min-max normalized.
func NormalizeRows(rows []Row) []Row {
	values := make([]float64, len(rows))
	for i, r := range rows {
		values[i] = r.Value
	}
	norm := Normalize(values)
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row{Gene: r.Gene, Region: r.Region, Value: norm[i]}
	}
	return out
}

// SortByValue orders rows by descending value, then region name.
func SortByValue(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Value != rows[j].Value {
			return rows[i].Value > rows[j].Value
		}
		return rows[i].Region < rows[j].Region
	})
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
