package grid

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarizes the values of a grid.
type Stats struct {
	Min  float64
	Max  float64
	Mean float64
}

// Stats computes min, max and mean over all values.
func (g *Grid) Stats() Stats {
	if len(g.Data) == 0 {
		return Stats{}
	}
	vals := make([]float64, len(g.Data))
	for i, v := range g.Data {
		vals[i] = float64(v)
	}
	return Stats{
		Min:  floats.Min(vals),
		Max:  floats.Max(vals),
		Mean: stat.Mean(vals, nil),
	}
}
