package tiff

import (
	"errors"
	"fmt"
	"io"
)

// Array is a dense N-dimensional array in row-major (C) order.
type Array struct {
	Shape []int
	DType DType
	Data  []float64
}

// NewArray allocates a zeroed array.
func NewArray(dtype DType, shape ...int) *Array {
	return &Array{Shape: append([]int(nil), shape...), DType: dtype, Data: make([]float64, product(shape))}
}

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.Data) }

// Ndim returns the number of dimensions.
func (a *Array) Ndim() int { return len(a.Shape) }

// ReadArray loads every page of f into memory in the order given by f.Shape.
func (f *File) ReadArray() (*Array, error) {
	dtype, err := f.DType()
	if err != nil {
		return nil, err
	}
	total := f.ElementCount()
	if total > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("tiff: %d elements do not fit in memory", total)
	}
	a := &Array{Shape: f.Shape(), DType: dtype, Data: make([]float64, total)}

	bases := make([]int, len(f.pages))
	base := 0
	for i, p := range f.pages {
		bases[i] = base
		base += int(p.Elements())
	}

	cr := f.Chunks(DefaultChunkElements)
	defer cr.Close()

	var buf []float64
	for {
		buf, err = cr.Next(buf)
		if errors.Is(err, io.EOF) {
			return a, nil
		}
		if err != nil {
			return nil, err
		}
		ch := cr.Chunk()
		p := f.pages[ch.Page]
		span := ch.Cols * ch.Samples
		for r := 0; r < ch.Rows; r++ {
			var off int
			if p.Planar == planarSeparate {
				off = bases[ch.Page] + (ch.Plane*p.Height+ch.Row+r)*p.Width + ch.Col
			} else {
				off = bases[ch.Page] + ((ch.Row+r)*p.Width+ch.Col)*p.SamplesPerPixel
			}
			copy(a.Data[off:off+span], buf[r*span:(r+1)*span])
		}
	}
}

// Plane returns the 2-D slice a[:, :, index...], fixing every axis after the
// first two. It needs exactly Ndim()-2 indices.
func (a *Array) Plane(index ...int) (*Array, error) {
	n := a.Ndim()
	if n < 2 {
		return nil, fmt.Errorf("array with %d dimensions has no plane", n)
	}
	if len(index) != n-2 {
		return nil, fmt.Errorf("array with shape %v needs %d plane indices, got %d", a.Shape, n-2, len(index))
	}

	// strides of the trailing axes
	inner := 1
	off := 0
	for i := n - 1; i >= 2; i-- {
		idx := index[i-2]
		if idx < 0 || idx >= a.Shape[i] {
			return nil, fmt.Errorf("index %d out of range for axis %d with size %d", idx, i, a.Shape[i])
		}
		off += idx * inner
		inner *= a.Shape[i]
	}

	h, w := a.Shape[0], a.Shape[1]
	out := NewArray(a.DType, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Data[y*w+x] = a.Data[(y*w+x)*inner+off]
		}
	}
	return out, nil
}
