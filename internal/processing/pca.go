package processing

import (
	"fmt"
	"math"
	"time"

	"github.com/anthonynsimon/bild/parallel"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/tiff-analytics/server/internal/data/tiff"
)

const opReduce = "reduce"

// Encoded is a reduced image serialized for transport.
type Encoded struct {
	Data        []byte
	ContentType string
	Shape       []int
}

// Reducer projects the trailing channel axis of an array onto its top
// principal components.
type Reducer struct {
	Decomposer  Decomposer
	Compression tiff.Compression // of the encoded output, none when zero
	Logger      zerolog.Logger
}

// NewReducer creates a reducer. A nil decomposer selects SVDDecomposer.
func NewReducer(d Decomposer, compression tiff.Compression, logger zerolog.Logger) *Reducer {
	if d == nil {
		d = SVDDecomposer{}
	}
	return &Reducer{Decomposer: d, Compression: compression, Logger: logger}
}

// CheckComponents reports whether an array of the given shape can be reduced
// to k components, without reading any samples.
func CheckComponents(shape []int, k int) error {
	ndim := len(shape)
	if ndim < 3 {
		return newError(KindShape, opReduce, fmt.Errorf("%w, got shape %v", ErrRankTooLow, shape))
	}
	channels := shape[ndim-1]
	samples := 1
	for _, s := range shape[:ndim-1] {
		samples *= s
	}
	if k < 1 || k > channels || k > samples {
		return newError(KindShape, opReduce,
			fmt.Errorf("%w: %d requested for %d channels and %d samples", ErrTooManyComponents, k, channels, samples))
	}
	return nil
}

// Reduce returns a new array of shape a.Shape[:n-1] + [k] holding the
// projection of every sample vector onto the k leading directions. a is not
// modified.
func (r *Reducer) Reduce(a *tiff.Array, k int) (*tiff.Array, error) {
	if err := CheckComponents(a.Shape, k); err != nil {
		return nil, err
	}
	ndim := len(a.Shape)
	channels := a.Shape[ndim-1]
	samples := 1
	for _, s := range a.Shape[:ndim-1] {
		samples *= s
	}
	if len(a.Data) != samples*channels {
		return nil, newError(KindShape, opReduce,
			fmt.Errorf("%w: shape %v needs %d elements, have %d", ErrShape, a.Shape, samples*channels, len(a.Data)))
	}

	outShape := append(append([]int(nil), a.Shape[:ndim-1]...), k)
	out := tiff.NewArray(tiff.Float32, outShape...)
	if samples == 1 {
		// a single centered sample is the origin
		return out, nil
	}

	// Phase 1: center columns into a fresh matrix
	x := mat.NewDense(samples, channels, a.Data)
	centered := mat.NewDense(samples, channels, nil)
	means := make([]float64, channels)
	for i := 0; i < samples; i++ {
		row := x.RawRowView(i)
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(samples)
	}
	for i := 0; i < samples; i++ {
		src, dst := x.RawRowView(i), centered.RawRowView(i)
		for j, v := range src {
			dst[j] = v - means[j]
		}
	}

	// Phase 2: leading directions with a deterministic sign
	w, err := r.Decomposer.Directions(centered, k)
	if err != nil {
		return nil, newError(KindNumericDomain, opReduce, fmt.Errorf("%w: %v", ErrNumericDomain, err))
	}
	if wr, wc := w.Dims(); wr != channels || wc != k {
		return nil, newError(KindNumericDomain, opReduce,
			fmt.Errorf("%w: decomposer returned %dx%d directions, want %dx%d", ErrNumericDomain, wr, wc, channels, k))
	}
	orientDirections(w)

	// Phase 3: project row blocks in parallel
	proj := mat.NewDense(samples, k, out.Data)
	parallel.Line(samples, func(start, end int) {
		block := proj.Slice(start, end, 0, k).(*mat.Dense)
		block.Mul(centered.Slice(start, end, 0, channels), w)
	})

	for _, v := range out.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, newError(KindNumericDomain, opReduce, fmt.Errorf("%w: projection is not finite", ErrNumericDomain))
		}
	}
	return out, nil
}

// orientDirections flips each column so its largest-magnitude entry is positive.
func orientDirections(w *mat.Dense) {
	rows, cols := w.Dims()
	for j := 0; j < cols; j++ {
		best, sign := 0.0, 1.0
		for i := 0; i < rows; i++ {
			if v := w.At(i, j); math.Abs(v) > best {
				best = math.Abs(v)
				sign = math.Copysign(1, v)
			}
		}
		if sign < 0 {
			for i := 0; i < rows; i++ {
				w.Set(i, j, -w.At(i, j))
			}
		}
	}
}

// Encode reduces a and serializes the result as a float32 TIFF.
func (r *Reducer) Encode(a *tiff.Array, k int) (*Encoded, error) {
	start := time.Now()
	out, err := r.Reduce(a, k)
	if err != nil {
		return nil, err
	}
	data, err := tiff.EncodeBytes(out, tiff.EncodeOptions{DType: tiff.Float32, Compression: r.Compression})
	if err != nil {
		return nil, newError(KindNumericDomain, opReduce, fmt.Errorf("%w: encode: %v", ErrNumericDomain, err))
	}
	r.Logger.Debug().
		Ints("input_shape", a.Shape).
		Ints("output_shape", out.Shape).
		Int("bytes", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("channels reduced")
	return &Encoded{Data: data, ContentType: tiff.ContentType, Shape: out.Shape}, nil
}

// LoadArray reads the whole TIFF at path into memory.
func LoadArray(path string) (*tiff.Array, error) {
	f, err := tiff.Open(path)
	if err != nil {
		return nil, newError(KindSourceUnreadable, opReduce, err)
	}
	defer f.Close()

	a, err := f.ReadArray()
	if err != nil {
		return nil, newError(KindSourceUnreadable, opReduce, err)
	}
	if len(a.Data) == 0 {
		return nil, newError(KindEmptySource, opReduce, nil)
	}
	return a, nil
}

// ReduceFile loads the TIFF at path and reduces it.
func (r *Reducer) ReduceFile(path string, k int) (*Encoded, error) {
	a, err := LoadArray(path)
	if err != nil {
		return nil, err
	}
	return r.Encode(a, k)
}
