// Package colormap provides color schemes for visualization.
package colormap

import (
	"image/color"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap interpolates evenly spaced color stops in CIE Lab space.
type LinearColormap struct {
	stops []colorful.Color
}

// NewLinear builds a colormap from evenly spaced stops. It panics on fewer
// than two stops.
func NewLinear(stops ...color.RGBA) LinearColormap {
	if len(stops) < 2 {
		panic("colormap: need at least two stops")
	}
	c := LinearColormap{stops: make([]colorful.Color, len(stops))}
	for i, s := range stops {
		c.stops[i], _ = colorful.MakeColor(s)
	}
	return c
}

// At returns the color at position t (0-1). NaN maps to the first stop.
func (c LinearColormap) At(t float64) color.Color {
	if !(t > 0) {
		return toRGBA(c.stops[0])
	}
	if t >= 1 {
		return toRGBA(c.stops[len(c.stops)-1])
	}

	idx := t * float64(len(c.stops)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.stops) {
		upper = len(c.stops) - 1
	}

	frac := idx - float64(lower)
	return toRGBA(c.stops[lower].BlendLab(c.stops[upper], frac).Clamped())
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Viridis colormap (matplotlib viridis)
var Viridis = NewLinear(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Plasma colormap
var Plasma = NewLinear(
	color.RGBA{13, 8, 135, 255},
	color.RGBA{75, 3, 161, 255},
	color.RGBA{125, 3, 168, 255},
	color.RGBA{168, 34, 150, 255},
	color.RGBA{203, 70, 121, 255},
	color.RGBA{229, 107, 93, 255},
	color.RGBA{248, 148, 65, 255},
	color.RGBA{253, 195, 40, 255},
	color.RGBA{240, 249, 33, 255},
)

// Inferno colormap
var Inferno = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{40, 11, 84, 255},
	color.RGBA{101, 21, 110, 255},
	color.RGBA{159, 42, 99, 255},
	color.RGBA{212, 72, 66, 255},
	color.RGBA{245, 125, 21, 255},
	color.RGBA{250, 193, 39, 255},
	color.RGBA{252, 255, 164, 255},
)

// Magma colormap
var Magma = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{28, 16, 68, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{129, 37, 129, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{229, 80, 100, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{254, 194, 135, 255},
	color.RGBA{252, 253, 191, 255},
)

// Gray is a black to white ramp.
var Gray = NewLinear(
	color.RGBA{0, 0, 0, 255},
	color.RGBA{255, 255, 255, 255},
)

// Hot goes black, red, yellow, white.
var Hot = NewLinear(
	color.RGBA{0, 0, 0, 255},
	color.RGBA{230, 0, 0, 255},
	color.RGBA{255, 210, 0, 255},
	color.RGBA{255, 255, 255, 255},
)

var registry = map[string]Colormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
	"gray":    Gray,
	"hot":     Hot,
}

// ByName looks up a colormap by its lowercase name.
func ByName(name string) (Colormap, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
