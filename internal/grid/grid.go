// Package grid holds the forecast state: a dense float32 array laid out as
// [frame][variable][latitude][longitude] with its coordinate vectors.
package grid

import (
	"fmt"
	"time"

	"cascade/internal/runtime"
	"cascade/internal/types"
)

const (
	// NorthPole and SouthPole are the required first and last latitudes.
	NorthPole = 90.0
	SouthPole = -90.0
)

// Grid is one or more frames of gridded atmospheric state.
type Grid struct {
	Variables []string
	Lat       []float64
	Lon       []float64
	// Times holds one timestamp per frame, oldest first.
	Times []time.Time
	Data  []float32
}

// Frames returns the number of time frames.
func (g *Grid) Frames() int { return len(g.Times) }

// FrameSize is the number of values in one frame.
func (g *Grid) FrameSize() int {
	return len(g.Variables) * len(g.Lat) * len(g.Lon)
}

// Shape returns the 4-D shape [frames, variables, lat, lon].
func (g *Grid) Shape() []int64 {
	return []int64{int64(g.Frames()), int64(len(g.Variables)), int64(len(g.Lat)), int64(len(g.Lon))}
}

// Validate checks that the data length agrees with the coordinates.
func (g *Grid) Validate() error {
	if g == nil {
		return types.NewAppError(types.ErrCodeValidationInvalidGrid, "grid is nil", nil)
	}
	if g.Frames() == 0 || len(g.Variables) == 0 || len(g.Lat) == 0 || len(g.Lon) == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidGrid,
			"grid has an empty dimension", nil,
			map[string]any{"shape": g.Shape()})
	}
	if want := g.Frames() * g.FrameSize(); len(g.Data) != want {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidGrid,
			fmt.Sprintf("grid data has %d values, shape needs %d", len(g.Data), want), nil,
			map[string]any{"shape": g.Shape()})
	}
	return nil
}

// CheckOrientation enforces a north-to-south latitude axis. A grid that
// runs south-to-north is rejected, never flipped.
func (g *Grid) CheckOrientation() error {
	if len(g.Lat) == 0 {
		return types.NewAppError(types.ErrCodeValidationLatitude, "grid has no latitude axis", nil)
	}
	first, last := g.Lat[0], g.Lat[len(g.Lat)-1]
	if first != NorthPole || last != SouthPole {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationLatitude,
			fmt.Sprintf("latitude must run from %v to %v, got %v to %v", NorthPole, SouthPole, first, last), nil,
			map[string]any{"lat_first": first, "lat_last": last})
	}
	return nil
}

// Frame returns a copy of frame i as a single-frame grid.
func (g *Grid) Frame(i int) (*Grid, error) {
	if i < 0 || i >= g.Frames() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidGrid,
			fmt.Sprintf("frame %d out of range [0,%d)", i, g.Frames()), nil)
	}
	size := g.FrameSize()
	data := make([]float32, size)
	copy(data, g.Data[i*size:(i+1)*size])
	return &Grid{
		Variables: g.Variables,
		Lat:       g.Lat,
		Lon:       g.Lon,
		Times:     []time.Time{g.Times[i]},
		Data:      data,
	}, nil
}

// LastFrame returns a copy of the most recent frame.
func (g *Grid) LastFrame() (*Grid, error) {
	return g.Frame(g.Frames() - 1)
}

// InitTime is the timestamp of the most recent frame, the point a rollout
// starts from.
func (g *Grid) InitTime() time.Time {
	if g.Frames() == 0 {
		return time.Time{}
	}
	return g.Times[g.Frames()-1]
}

// Tensor returns the grid with a leading batch axis, shape
// [1, frames, variables, lat, lon]. The data slice is shared.
func (g *Grid) Tensor() runtime.Tensor {
	return runtime.Tensor{
		Shape: append([]int64{1}, g.Shape()...),
		Data:  g.Data,
	}
}

// FromTensor rebuilds a grid from model output shaped
// [1, window, variables, lat, lon] using the coordinates of template.
// Frame times are left zero; the caller stamps them.
func FromTensor(t runtime.Tensor, template *Grid) (*Grid, error) {
	if err := t.Validate(); err != nil {
		return nil, types.NewAppError(types.ErrCodeModelOutputInvalid, "output tensor is malformed", err)
	}
	if len(t.Shape) != 5 || t.Shape[0] != 1 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeModelOutputInvalid,
			"output tensor must be [1, window, variables, lat, lon]", nil,
			map[string]any{"shape": t.Shape})
	}
	if t.Shape[2] != int64(len(template.Variables)) ||
		t.Shape[3] != int64(len(template.Lat)) ||
		t.Shape[4] != int64(len(template.Lon)) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeModelOutputInvalid,
			"output tensor does not match the state grid", nil,
			map[string]any{"shape": t.Shape, "grid": template.Shape()})
	}
	if t.Shape[1] < 1 {
		return nil, types.NewAppError(types.ErrCodeModelOutputInvalid, "output tensor has an empty window", nil)
	}
	return &Grid{
		Variables: template.Variables,
		Lat:       template.Lat,
		Lon:       template.Lon,
		Times:     make([]time.Time, t.Shape[1]),
		Data:      t.Data,
	}, nil
}
