package grid

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/runtime"
	"cascade/internal/types"
)

var t0 = time.Date(2023, 10, 12, 0, 0, 0, 0, time.UTC)

// newTestGrid builds a grid with two variables on a 3x4 lat/lon mesh. Each
// value encodes its position so slicing errors show up in assertions.
func newTestGrid(frames int) *Grid {
	g := &Grid{
		Variables: []string{"t2m", "msl"},
		Lat:       []float64{90, 0, -90},
		Lon:       []float64{0, 90, 180, 270},
	}
	for f := 0; f < frames; f++ {
		g.Times = append(g.Times, t0.Add(time.Duration(f)*6*time.Hour))
	}
	g.Data = make([]float32, frames*g.FrameSize())
	for i := range g.Data {
		g.Data[i] = float32(i)
	}
	return g
}

func TestValidate(t *testing.T) {
	require.NoError(t, newTestGrid(2).Validate())

	short := newTestGrid(2)
	short.Data = short.Data[:5]
	assert.Equal(t, types.ErrCodeValidationInvalidGrid, types.CodeOf(short.Validate()))

	empty := newTestGrid(1)
	empty.Lon = nil
	assert.Equal(t, types.ErrCodeValidationInvalidGrid, types.CodeOf(empty.Validate()))

	var nilGrid *Grid
	assert.Error(t, nilGrid.Validate())
}

func TestCheckOrientation(t *testing.T) {
	tests := []struct {
		name    string
		lat     []float64
		wantErr bool
	}{
		{"north to south", []float64{90, 45, 0, -45, -90}, false},
		{"south to north", []float64{-90, 0, 90}, true},
		{"not reaching the pole", []float64{89.75, 0, -90}, true},
		{"single value", []float64{90}, true},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Grid{Lat: tt.lat}
			err := g.CheckOrientation()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrCodeValidationLatitude, types.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLastFrame_CopiesData(t *testing.T) {
	g := newTestGrid(2)
	last, err := g.LastFrame()
	require.NoError(t, err)

	assert.Equal(t, 1, last.Frames())
	assert.Equal(t, g.Times[1], last.Times[0])
	assert.Equal(t, g.Data[g.FrameSize():], last.Data)

	last.Data[0] = -1
	assert.Equal(t, float32(g.FrameSize()), g.Data[g.FrameSize()], "frame must not alias the source")
}

func TestFrame_OutOfRange(t *testing.T) {
	g := newTestGrid(1)
	_, err := g.Frame(1)
	assert.Error(t, err)
	_, err = g.Frame(-1)
	assert.Error(t, err)
}

func TestInitTime(t *testing.T) {
	assert.Equal(t, t0.Add(6*time.Hour), newTestGrid(2).InitTime())
	assert.True(t, (&Grid{}).InitTime().IsZero())
}

func TestTensorRoundTrip(t *testing.T) {
	g := newTestGrid(2)
	tensor := g.Tensor()
	assert.Equal(t, []int64{1, 2, 2, 3, 4}, tensor.Shape)
	require.NoError(t, tensor.Validate())

	back, err := FromTensor(tensor, g)
	require.NoError(t, err)
	assert.Equal(t, 2, back.Frames())
	assert.Equal(t, g.Data, back.Data)
	assert.Equal(t, g.Lat, back.Lat)
}

func TestFromTensor_Rejects(t *testing.T) {
	g := newTestGrid(1)
	tests := []struct {
		name   string
		tensor runtime.Tensor
	}{
		{"wrong rank", runtime.Tensor{Shape: []int64{2, 3, 4}, Data: make([]float32, 24)}},
		{"batch of two", runtime.Tensor{Shape: []int64{2, 1, 2, 3, 4}, Data: make([]float32, 48)}},
		{"variable mismatch", runtime.Tensor{Shape: []int64{1, 1, 3, 3, 4}, Data: make([]float32, 36)}},
		{"data length mismatch", runtime.Tensor{Shape: []int64{1, 1, 2, 3, 4}, Data: make([]float32, 3)}},
		{"empty window", runtime.Tensor{Shape: []int64{1, 0, 2, 3, 4}, Data: nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromTensor(tt.tensor, g)
			require.Error(t, err)
			assert.Equal(t, types.ErrCodeModelOutputInvalid, types.CodeOf(err))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	g := newTestGrid(2)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, g))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, g.Variables, got.Variables)
	assert.Equal(t, g.Lat, got.Lat)
	assert.Equal(t, g.Lon, got.Lon)
	assert.Equal(t, g.Data, got.Data)
	require.Len(t, got.Times, 2)
	assert.True(t, g.Times[1].Equal(got.Times[1]))
}

func TestEncode_RejectsInvalidGrid(t *testing.T) {
	g := newTestGrid(1)
	g.Data = g.Data[:1]
	assert.Error(t, Encode(&bytes.Buffer{}, g))
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not a grid")))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalCodec, types.CodeOf(err))
}

func TestStats(t *testing.T) {
	g := &Grid{
		Variables: []string{"v"},
		Lat:       []float64{90, -90},
		Lon:       []float64{0, 180},
		Times:     []time.Time{t0},
		Data:      []float32{-2, 0, 2, 4},
	}
	s := g.Stats()
	assert.Equal(t, -2.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, 1.0, s.Mean, 1e-9)

	assert.Equal(t, Stats{}, (&Grid{}).Stats())
}
