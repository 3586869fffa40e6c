package tiff

import "encoding/binary"

// Info summarises a file for metadata listings.
type Info struct {
	Shape           []int  `json:"image_shape"`
	DType           string `json:"dtype"`
	BitDepth        int    `json:"bit_depth"`
	Pages           int    `json:"pages"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	SamplesPerPixel int    `json:"samples_per_pixel"`
	Compression     string `json:"compression"`
	Tiled           bool   `json:"tiled"`
	BigTIFF         bool   `json:"bigtiff"`
	ByteOrder       string `json:"byte_order"`
	Elements        int64  `json:"elements"`
}

// Info describes f using its first page for per-page fields.
func (f *File) Info() Info {
	info := Info{
		Shape:     f.Shape(),
		Pages:     len(f.pages),
		BigTIFF:   f.big,
		ByteOrder: "little",
		Elements:  f.ElementCount(),
	}
	if f.order == binary.BigEndian {
		info.ByteOrder = "big"
	}
	if d, err := f.DType(); err == nil {
		info.DType = d.String()
		info.BitDepth = d.Bits()
	} else {
		info.DType = "mixed"
	}
	if len(f.pages) > 0 {
		p := f.pages[0]
		info.Width = p.Width
		info.Height = p.Height
		info.SamplesPerPixel = p.SamplesPerPixel
		info.Compression = p.Compression.String()
		info.Tiled = p.Tiled()
	}
	return info
}
