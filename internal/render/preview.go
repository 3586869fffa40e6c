// Package render draws false-color PNG previews of 2-D image planes.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/anthonynsimon/bild/parallel"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/rs/zerolog"
	"github.com/tiff-analytics/server/internal/data/tiff"
	"github.com/tiff-analytics/server/pkg/colormap"
)

const (
	// ContentType of rendered previews.
	ContentType = "image/png"

	// MaxScale bounds the upscaling factor.
	MaxScale = 16
	// MaxPixels bounds the rendered image size.
	MaxPixels = 4096 * 4096

	barHeight   = 12
	barMargin   = 4
	labelHeight = 14
	minBarWidth = 64
)

// ErrEmptyPlane is returned when a plane has no finite values to scale.
var ErrEmptyPlane = errors.New("plane has no finite values")

// Options controls a single preview.
type Options struct {
	Colormap string
	Scale    int
	Colorbar bool
}

// Range is the value interval mapped onto the colormap.
type Range struct {
	Min float64
	Max float64
}

// PreviewRenderer renders planes through a colormap.
type PreviewRenderer struct {
	defaultColormap string
	bufferPool      sync.Pool
	log             zerolog.Logger
}

// NewPreviewRenderer creates a new renderer.
func NewPreviewRenderer(defaultColormap string, log zerolog.Logger) *PreviewRenderer {
	if _, ok := colormap.ByName(defaultColormap); !ok {
		defaultColormap = "viridis"
	}
	return &PreviewRenderer{
		defaultColormap: defaultColormap,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		log: log,
	}
}

// ValueRange scans a plane for its finite minimum and maximum.
func ValueRange(data []float64) (Range, error) {
	r := Range{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < r.Min {
			r.Min = v
		}
		if v > r.Max {
			r.Max = v
		}
	}
	if r.Min > r.Max {
		return r, ErrEmptyPlane
	}
	return r, nil
}

// Render colorizes a 2-D plane and encodes it as PNG.
func (r *PreviewRenderer) Render(plane *tiff.Array, opts Options) ([]byte, error) {
	if plane.Ndim() != 2 {
		return nil, fmt.Errorf("preview needs a 2-D plane, got shape %v", plane.Shape)
	}
	h, w := plane.Shape[0], plane.Shape[1]
	if h == 0 || w == 0 {
		return nil, fmt.Errorf("preview of empty plane %v", plane.Shape)
	}

	name := opts.Colormap
	if name == "" {
		name = r.defaultColormap
	}
	cmap, ok := colormap.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}
	if scale > MaxScale || w*scale*h*scale > MaxPixels {
		return nil, fmt.Errorf("scale %d is too large for a %dx%d plane", scale, w, h)
	}

	// Phase 1: value range
	rng, err := ValueRange(plane.Data)
	if err != nil {
		return nil, err
	}

	// Phase 2: colorize
	img := colorize(plane.Data, w, h, rng, cmap)

	// Phase 3: upscale
	var out image.Image = img
	if scale > 1 {
		out = imaging.Resize(img, w*scale, h*scale, imaging.NearestNeighbor)
	}

	buf := r.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer r.bufferPool.Put(buf)

	// Phase 4: colorbar and encode
	dc := compose(out, rng, cmap, opts.Colorbar)
	if err := dc.EncodePNG(buf); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}

	r.log.Debug().
		Ints("shape", plane.Shape).
		Str("colormap", name).
		Int("scale", scale).
		Float64("min", rng.Min).
		Float64("max", rng.Max).
		Int("bytes", buf.Len()).
		Msg("preview rendered")

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func colorize(data []float64, w, h int, rng Range, cmap colormap.Colormap) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	span := rng.Max - rng.Min
	parallel.Line(h, func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < w; x++ {
				v := data[y*w+x]
				var c color.Color
				switch {
				case math.IsNaN(v):
					c = color.NRGBA{}
				case span == 0:
					c = cmap.At(0)
				default:
					c = cmap.At((v - rng.Min) / span)
				}
				img.Set(x, y, c)
			}
		}
	})
	return img
}

func compose(img image.Image, rng Range, cmap colormap.Colormap, colorbar bool) *gg.Context {
	b := img.Bounds()
	if !colorbar || b.Dx() < minBarWidth {
		return gg.NewContextForImage(img)
	}

	width := b.Dx()
	height := b.Dy() + barMargin + barHeight + labelHeight
	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()
	dc.DrawImage(img, 0, 0)

	top := float64(b.Dy() + barMargin)
	for x := 0; x < width; x++ {
		dc.SetColor(cmap.At(float64(x) / float64(width-1)))
		dc.DrawRectangle(float64(x), top, 1, barHeight)
		dc.Fill()
	}

	dc.SetColor(color.Black)
	labelY := top + barHeight + labelHeight/2
	dc.DrawStringAnchored(formatValue(rng.Min), 2, labelY, 0, 0.5)
	dc.DrawStringAnchored(formatValue(rng.Max), float64(width-2), labelY, 1, 0.5)
	return dc
}

func formatValue(v float64) string {
	if v != 0 && (math.Abs(v) >= 1e5 || math.Abs(v) < 1e-3) {
		return fmt.Sprintf("%.2e", v)
	}
	return fmt.Sprintf("%.4g", v)
}
