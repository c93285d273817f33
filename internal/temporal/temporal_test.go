package temporal

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/types"
)

var testInit = time.Date(2023, 10, 12, 6, 0, 0, 0, time.UTC)

func TestEncode_LengthAndWidth(t *testing.T) {
	embs, err := Encode(testInit, 74, DefaultFrequency)
	require.NoError(t, err)
	assert.Len(t, embs, 74)
	assert.Len(t, embs[0].Values(), Width)
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := Encode(testInit, 20, DefaultFrequency)
	require.NoError(t, err)
	b, err := Encode(testInit, 20, DefaultFrequency)
	require.NoError(t, err)

	for i := range a {
		for j := range a[i] {
			assert.Equal(t, math.Float32bits(a[i][j]), math.Float32bits(b[i][j]), "step %d value %d", i, j)
		}
	}
}

func TestEncode_AdjacentStepsShareOffsets(t *testing.T) {
	embs, err := Encode(testInit, 30, DefaultFrequency)
	require.NoError(t, err)

	for k := 0; k+1 < len(embs); k++ {
		assert.Equal(t, embs[k].Offset(OffsetNext), embs[k+1].Offset(OffsetCurrent), "step %d next vs step %d current", k, k+1)
		assert.Equal(t, embs[k].Offset(OffsetCurrent), embs[k+1].Offset(OffsetPrevious), "step %d current vs step %d previous", k, k+1)
	}
}

func TestEncode_KnownValues(t *testing.T) {
	embs, err := Encode(testInit, 1, DefaultFrequency)
	require.NoError(t, err)

	// 2023-10-12 is day 285. Offsets are 00z, 06z and 12z of that day.
	doy := float64(float32(285) / 366)
	cases := []struct {
		offset int
		hour   float64
	}{
		{OffsetPrevious, 0},
		{OffsetCurrent, 6},
		{OffsetNext, 12},
	}
	for _, tc := range cases {
		h := float64(float32(tc.hour) / 24)
		got := embs[0].Offset(tc.offset)
		assert.InDelta(t, math.Sin(doy), got[0], 1e-6)
		assert.InDelta(t, math.Sin(h), got[1], 1e-6)
		assert.InDelta(t, math.Cos(doy), got[2], 1e-6)
		assert.InDelta(t, math.Cos(h), got[3], 1e-6)
	}
}

func TestEncode_PreviousOffsetCrossesYearBoundary(t *testing.T) {
	init := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	embs, err := Encode(init, 1, DefaultFrequency)
	require.NoError(t, err)

	prev := embs[0].Offset(OffsetPrevious)
	// 2023-12-31 18z: day 365, hour 18.
	assert.InDelta(t, math.Sin(float64(float32(365)/366)), prev[0], 1e-6)
	assert.InDelta(t, math.Sin(float64(float32(18)/24)), prev[1], 1e-6)

	cur := embs[0].Offset(OffsetCurrent)
	assert.InDelta(t, math.Sin(float64(float32(1)/366)), cur[0], 1e-6)
	assert.InDelta(t, 0.0, cur[1], 1e-6)
	assert.InDelta(t, 1.0, cur[3], 1e-6)
}

func TestEncode_FloorsToHour(t *testing.T) {
	exact, err := Encode(testInit, 3, DefaultFrequency)
	require.NoError(t, err)
	skewed, err := Encode(testInit.Add(37*time.Minute), 3, DefaultFrequency)
	require.NoError(t, err)
	assert.Equal(t, exact, skewed)
}

func TestEncode_NonUTCInputIsNormalized(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	utc, err := Encode(testInit, 4, DefaultFrequency)
	require.NoError(t, err)
	local, err := Encode(testInit.In(loc), 4, DefaultFrequency)
	require.NoError(t, err)
	assert.Equal(t, utc, local)
}

func TestAt_MatchesEncode(t *testing.T) {
	embs, err := Encode(testInit, 10, DefaultFrequency)
	require.NoError(t, err)
	for i := range embs {
		assert.Equal(t, embs[i], At(testInit, i, DefaultFrequency))
	}
}

func TestEncode_ZeroSteps(t *testing.T) {
	embs, err := Encode(testInit, 0, DefaultFrequency)
	require.NoError(t, err)
	assert.Empty(t, embs)
}

func TestEncode_InvalidArguments(t *testing.T) {
	tests := []struct {
		name  string
		init  time.Time
		steps int
		freq  time.Duration
		code  types.ErrorCode
	}{
		{"zero timestamp", time.Time{}, 4, DefaultFrequency, types.ErrCodeValidationTimestamp},
		{"negative steps", testInit, -1, DefaultFrequency, types.ErrCodeValidationInvalidRequest},
		{"zero frequency", testInit, 4, 0, types.ErrCodeValidationInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.init, tt.steps, tt.freq)
			require.Error(t, err)
			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestEmbedding_Tensor(t *testing.T) {
	emb := At(time.Date(2023, 10, 12, 6, 0, 0, 0, time.UTC), 0, DefaultFrequency)
	tensor := emb.Tensor()
	assert.Equal(t, []int64{1, Width}, tensor.Shape)
	assert.Equal(t, emb.Values(), tensor.Data)
	assert.NoError(t, tensor.Validate())
}
