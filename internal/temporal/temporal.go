// Package temporal derives the per-step cyclical time embedding fed to the
// stage models alongside the rolling forecast state.
//
// For step i the embedding covers three timestamps, init + (i-1)*freq,
// init + i*freq and init + (i+1)*freq. Each timestamp is floored to the hour
// and reduced to two fractions, day-of-year/366 and hour/24. Every offset
// contributes [sin(doy), sin(hour), cos(doy), cos(hour)], giving a flat
// vector of Width values. The fractions go into sin/cos unscaled; the stage
// models were trained on exactly this encoding.
package temporal

import (
	"math"
	"time"

	"cascade/internal/runtime"
	"cascade/internal/types"
)

// DefaultFrequency is the spacing between consecutive forecast steps.
const DefaultFrequency = 6 * time.Hour

const (
	// OffsetsPerStep is the number of time offsets (previous, current, next).
	OffsetsPerStep = 3
	// FeaturesPerOffset is sin/cos of the day-of-year and hour fractions.
	FeaturesPerOffset = 4
	// Width is the number of values in one Embedding.
	Width = OffsetsPerStep * FeaturesPerOffset

	daysPerYear = 366
	hoursPerDay = 24
)

// Offset indexes into an Embedding.
const (
	OffsetPrevious = 0
	OffsetCurrent  = 1
	OffsetNext     = 2
)

// Embedding is the time encoding for one forecast step.
type Embedding [Width]float32

// Offset returns the four features contributed by one of the three offsets.
func (e Embedding) Offset(i int) [FeaturesPerOffset]float32 {
	var out [FeaturesPerOffset]float32
	copy(out[:], e[i*FeaturesPerOffset:(i+1)*FeaturesPerOffset])
	return out
}

// Values returns the embedding as a fresh slice.
func (e Embedding) Values() []float32 {
	out := make([]float32, Width)
	copy(out, e[:])
	return out
}

// Tensor returns the embedding shaped [1, Width] for the model's "temb" input.
func (e Embedding) Tensor() runtime.Tensor {
	return runtime.Tensor{Shape: []int64{1, Width}, Data: e.Values()}
}

// Encode computes the embeddings for steps 0..totalStep-1 starting at init.
// It is a pure function of its arguments.
func Encode(init time.Time, totalStep int, freq time.Duration) ([]Embedding, error) {
	if init.IsZero() {
		return nil, types.NewAppError(types.ErrCodeValidationTimestamp, "initial timestamp is not set", nil)
	}
	if totalStep < 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRequest,
			"total step count must not be negative", nil, map[string]any{"total_step": totalStep})
	}
	if freq <= 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRequest,
			"step frequency must be positive", nil, map[string]any{"frequency": freq.String()})
	}

	init = init.UTC()
	out := make([]Embedding, totalStep)
	for i := range out {
		out[i] = encodeStep(init, i, freq)
	}
	return out, nil
}

// At returns the embedding of a single step without materializing the
// whole sequence. At(init, i, freq) equals Encode(init, n, freq)[i].
func At(init time.Time, step int, freq time.Duration) Embedding {
	return encodeStep(init.UTC(), step, freq)
}

func encodeStep(init time.Time, step int, freq time.Duration) Embedding {
	var e Embedding
	for k := 0; k < OffsetsPerStep; k++ {
		t := init.Add(time.Duration(step-1+k) * freq)
		doy, hour := fractions(t)
		base := k * FeaturesPerOffset
		e[base+0] = float32(math.Sin(float64(doy)))
		e[base+1] = float32(math.Sin(float64(hour)))
		e[base+2] = float32(math.Cos(float64(doy)))
		e[base+3] = float32(math.Cos(float64(hour)))
	}
	return e
}

// fractions floors t to the hour and returns (day-of-year/366, hour/24) in
// single precision.
func fractions(t time.Time) (float32, float32) {
	t = t.Truncate(time.Hour)
	return float32(t.YearDay()) / daysPerYear, float32(t.Hour()) / hoursPerDay
}
