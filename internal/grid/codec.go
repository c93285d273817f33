package grid

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"cascade/internal/types"
)

// FormatVersion is written into every encoded artifact.
const FormatVersion = 1

// Extension is the file suffix of an encoded grid.
const Extension = ".grid.zst"

type document struct {
	Version   int       `msgpack:"version"`
	Variables []string  `msgpack:"variables"`
	Lat       []float64 `msgpack:"lat"`
	Lon       []float64 `msgpack:"lon"`
	Times     []int64   `msgpack:"times"`
	Frames    int       `msgpack:"frames"`
	Data      []float32 `msgpack:"data"`
}

var decoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

// Encode writes g to w as zstd-compressed msgpack.
func Encode(w io.Writer, g *Grid) error {
	if err := g.Validate(); err != nil {
		return err
	}

	times := make([]int64, len(g.Times))
	for i, t := range g.Times {
		times[i] = t.UTC().Unix()
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCodec, "failed to create zstd encoder", err)
	}
	err = msgpack.NewEncoder(zw).Encode(document{
		Version:   FormatVersion,
		Variables: g.Variables,
		Lat:       g.Lat,
		Lon:       g.Lon,
		Times:     times,
		Frames:    g.Frames(),
		Data:      g.Data,
	})
	if err != nil {
		zw.Close()
		return types.NewAppError(types.ErrCodeInternalCodec, "failed to encode grid", err)
	}
	if err := zw.Close(); err != nil {
		return types.NewAppError(types.ErrCodeInternalCodec, "failed to flush zstd stream", err)
	}
	return nil
}

// Decode reads a grid written by Encode and validates its shape.
func Decode(r io.Reader) (*Grid, error) {
	d := decoderPool.Get().(*zstd.Decoder)
	defer func() {
		d.Reset(nil)
		decoderPool.Put(d)
	}()
	if err := d.Reset(r); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCodec, "failed to open zstd stream", err)
	}

	var doc document
	if err := msgpack.NewDecoder(d).Decode(&doc); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCodec, "failed to decode grid", err)
	}
	if doc.Version != FormatVersion {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidGrid,
			fmt.Sprintf("unsupported grid format version %d", doc.Version), nil)
	}
	if doc.Frames != len(doc.Times) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidGrid,
			fmt.Sprintf("grid declares %d frames but has %d timestamps", doc.Frames, len(doc.Times)), nil)
	}

	times := make([]time.Time, len(doc.Times))
	for i, sec := range doc.Times {
		times[i] = time.Unix(sec, 0).UTC()
	}
	g := &Grid{
		Variables: doc.Variables,
		Lat:       doc.Lat,
		Lon:       doc.Lon,
		Times:     times,
		Data:      doc.Data,
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
