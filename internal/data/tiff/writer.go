package tiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ContentType is the media type of encoded files.
const ContentType = "image/tiff"

const (
	stripTargetBytes = 64 << 10
	classicLimit     = 1<<32 - 1<<20 // leave room for directories
	softwareName     = "tiff-analytics"
)

// EncodeOptions controls Encode. The zero value writes uncompressed float32
// strips in little-endian classic TIFF.
type EncodeOptions struct {
	DType       DType
	Compression Compression
	Level       int  // compressor level, 0 for the library default
	Predictor   bool // horizontal differencing, integer dtypes only
	TileSize    int  // square tiles of this edge when > 0, must be a multiple of 16
	BigTIFF     bool // force 64-bit offsets; chosen automatically for large outputs
	ByteOrder   binary.ByteOrder
}

// Encode writes a as a multi-page TIFF. The last three axes of a are one page
// of height × width × samples; every leading axis is flattened into pages.
// Two-dimensional arrays are a single page with one sample, one-dimensional
// arrays a single row. The shape is recorded in the first page's
// ImageDescription so readers can restore it.
func Encode(w io.Writer, a *Array, opts EncodeOptions) error {
	b, err := EncodeBytes(a, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// EncodeBytes is Encode into a fresh buffer.
func EncodeBytes(a *Array, opts EncodeOptions) ([]byte, error) {
	if opts.DType == Invalid {
		opts.DType = Float32
	}
	if opts.Compression == 0 {
		opts.Compression = CompressionNone
	}
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.LittleEndian
	}
	if opts.Predictor && opts.DType.IsFloat() {
		return nil, fmt.Errorf("tiff: horizontal predictor needs an integer dtype, got %s", opts.DType)
	}
	if opts.TileSize < 0 || opts.TileSize%16 != 0 {
		return nil, fmt.Errorf("tiff: tile size %d is not a multiple of 16", opts.TileSize)
	}

	pages, h, wd, s, err := pageLayout(a.Shape)
	if err != nil {
		return nil, err
	}
	if len(a.Data) != pages*h*wd*s {
		return nil, fmt.Errorf("tiff: shape %v needs %d elements, have %d", a.Shape, pages*h*wd*s, len(a.Data))
	}

	sc, err := newSegmentCompressor(opts.Compression, opts.Level)
	if err != nil {
		return nil, fmt.Errorf("tiff: %w", err)
	}
	defer sc.Close()

	raw := uint64(len(a.Data)) * uint64(opts.DType.Size())
	big := opts.BigTIFF || raw >= classicLimit
	e := &encoder{opts: opts, sc: sc, b: newBuilder(opts.ByteOrder, big)}

	pageLen := h * wd * s
	desc := shapeJSON(a.Shape)
	for p := 0; p < pages; p++ {
		data := a.Data[p*pageLen : (p+1)*pageLen]
		if err := e.writePage(data, h, wd, s, desc); err != nil {
			return nil, fmt.Errorf("tiff: page %d: %w", p, err)
		}
		desc = ""
	}
	if !big && uint64(len(e.b.buf)) > 1<<32-1 {
		return nil, fmt.Errorf("tiff: output exceeds 4 GiB, set BigTIFF")
	}
	return e.b.buf, nil
}

// pageLayout splits shape into page count and per-page height, width, samples.
func pageLayout(shape []int) (pages, h, w, s int, err error) {
	for _, d := range shape {
		if d <= 0 {
			return 0, 0, 0, 0, fmt.Errorf("tiff: cannot encode shape %v with an empty axis", shape)
		}
	}
	switch n := len(shape); n {
	case 0:
		return 0, 0, 0, 0, fmt.Errorf("tiff: cannot encode a scalar")
	case 1:
		pages, h, w, s = 1, 1, shape[0], 1
	case 2:
		pages, h, w, s = 1, shape[0], shape[1], 1
	default:
		pages, h, w, s = product(shape[:n-3]), shape[n-3], shape[n-2], shape[n-1]
	}
	if s > 0xffff {
		return 0, 0, 0, 0, fmt.Errorf("tiff: %d samples per pixel exceed the format limit", s)
	}
	return pages, h, w, s, nil
}

// shapeJSON renders the shape the way tifffile writes it.
func shapeJSON(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return `{"shape": [` + strings.Join(parts, ", ") + `]}`
}

type encoder struct {
	opts EncodeOptions
	sc   *segmentCompressor
	b    *builder
	raw  []byte
}

func (e *encoder) writePage(data []float64, h, w, s int, desc string) error {
	d := e.opts.DType
	size := d.Size()

	var offsets, counts []uint64
	emit := func(seg []byte) error {
		enc, err := e.sc.compress(seg)
		if err != nil {
			return err
		}
		offsets = append(offsets, e.b.appendData(enc))
		counts = append(counts, uint64(len(enc)))
		return nil
	}

	var tileOrRows uint64
	if ts := e.opts.TileSize; ts > 0 {
		rowBytes := ts * s * size
		for ty := 0; ty < h; ty += ts {
			for tx := 0; tx < w; tx += ts {
				seg := e.scratch(ts * rowBytes)
				for i := range seg {
					seg[i] = 0
				}
				cols := min(ts, w-tx)
				for r := 0; r < ts && ty+r < h; r++ {
					src := data[((ty+r)*w+tx)*s : ((ty+r)*w+tx+cols)*s]
					row := seg[r*rowBytes : (r+1)*rowBytes]
					d.encodeSamples(e.b.order, src, row)
					if e.opts.Predictor {
						applyPredictor(row, d, e.b.order, s)
					}
				}
				if err := emit(seg); err != nil {
					return err
				}
			}
		}
		tileOrRows = uint64(ts)
	} else {
		rowBytes := w * s * size
		rps := max(1, stripTargetBytes/rowBytes)
		rps = min(rps, h)
		for y := 0; y < h; y += rps {
			rows := min(rps, h-y)
			seg := e.scratch(rows * rowBytes)
			d.encodeSamples(e.b.order, data[y*w*s:(y+rows)*w*s], seg)
			if e.opts.Predictor {
				for r := 0; r < rows; r++ {
					applyPredictor(seg[r*rowBytes:(r+1)*rowBytes], d, e.b.order, s)
				}
			}
			if err := emit(seg); err != nil {
				return err
			}
		}
		tileOrRows = uint64(rps)
	}

	bits := make([]uint64, s)
	formats := make([]uint64, s)
	for i := range bits {
		bits[i] = uint64(d.Bits())
		formats[i] = uint64(d.sampleFormat())
	}
	predictor := uint64(predictorNone)
	if e.opts.Predictor {
		predictor = predictorHorizontal
	}

	entries := []field{
		{tag: tagNewSubfileType, typ: typeLong, vals: []uint64{0}},
		{tag: tagImageWidth, typ: typeLong, vals: []uint64{uint64(w)}},
		{tag: tagImageLength, typ: typeLong, vals: []uint64{uint64(h)}},
		{tag: tagBitsPerSample, typ: typeShort, vals: bits},
		{tag: tagCompression, typ: typeShort, vals: []uint64{uint64(e.opts.Compression)}},
		{tag: tagPhotometric, typ: typeShort, vals: []uint64{1}},
		{tag: tagSamplesPerPixel, typ: typeShort, vals: []uint64{uint64(s)}},
		{tag: tagPlanarConfig, typ: typeShort, vals: []uint64{planarChunky}},
		{tag: tagSoftware, typ: typeASCII, text: softwareName},
		{tag: tagPredictor, typ: typeShort, vals: []uint64{predictor}},
		{tag: tagSampleFormat, typ: typeShort, vals: formats},
	}
	if desc != "" {
		entries = append(entries, field{tag: tagImageDescription, typ: typeASCII, text: desc})
	}
	if s > 1 {
		entries = append(entries, field{tag: tagExtraSamples, typ: typeShort, vals: make([]uint64, s-1)})
	}
	offType := uint16(typeLong)
	if e.b.big {
		offType = typeLong8
	}
	if e.opts.TileSize > 0 {
		entries = append(entries,
			field{tag: tagTileWidth, typ: typeLong, vals: []uint64{tileOrRows}},
			field{tag: tagTileLength, typ: typeLong, vals: []uint64{tileOrRows}},
			field{tag: tagTileOffsets, typ: offType, vals: offsets},
			field{tag: tagTileByteCounts, typ: offType, vals: counts},
		)
	} else {
		entries = append(entries,
			field{tag: tagStripOffsets, typ: offType, vals: offsets},
			field{tag: tagRowsPerStrip, typ: typeLong, vals: []uint64{tileOrRows}},
			field{tag: tagStripByteCounts, typ: offType, vals: counts},
		)
	}
	return e.b.writeIFD(entries)
}

func (e *encoder) scratch(n int) []byte {
	if cap(e.raw) < n {
		e.raw = make([]byte, n)
	}
	return e.raw[:n]
}

type field struct {
	tag  uint16
	typ  uint16
	vals []uint64
	text string
}

func (f field) bytes(order binary.ByteOrder) ([]byte, uint64) {
	if f.typ == typeASCII {
		return append([]byte(f.text), 0), uint64(len(f.text) + 1)
	}
	size := typeSizes[f.typ]
	out := make([]byte, uint64(len(f.vals))*size)
	for i, v := range f.vals {
		switch f.typ {
		case typeShort:
			order.PutUint16(out[i*2:], uint16(v))
		case typeLong:
			order.PutUint32(out[i*4:], uint32(v))
		case typeLong8:
			order.PutUint64(out[i*8:], v)
		}
	}
	return out, uint64(len(f.vals))
}

// builder assembles a file in memory, patching each directory's offset into
// the previous link of the chain.
type builder struct {
	buf   []byte
	order binary.ByteOrder
	big   bool
	link  int // position of the pointer to the next IFD
}

func newBuilder(order binary.ByteOrder, big bool) *builder {
	b := &builder{order: order, big: big}
	if order == binary.BigEndian {
		b.buf = []byte("MM")
	} else {
		b.buf = []byte("II")
	}
	if big {
		b.buf = append(b.buf, make([]byte, 14)...)
		order.PutUint16(b.buf[2:], 43)
		order.PutUint16(b.buf[4:], 8)
		b.link = 8
	} else {
		b.buf = append(b.buf, make([]byte, 6)...)
		order.PutUint16(b.buf[2:], 42)
		b.link = 4
	}
	return b
}

func (b *builder) align() {
	if len(b.buf)%2 == 1 {
		b.buf = append(b.buf, 0)
	}
}

func (b *builder) appendData(p []byte) uint64 {
	b.align()
	off := uint64(len(b.buf))
	b.buf = append(b.buf, p...)
	return off
}

func (b *builder) putOffset(pos int, v uint64) {
	if b.big {
		b.order.PutUint64(b.buf[pos:], v)
	} else {
		b.order.PutUint32(b.buf[pos:], uint32(v))
	}
}

func (b *builder) writeIFD(fields []field) error {
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	countSize, entrySize, inline := 2, 12, 4
	if b.big {
		countSize, entrySize, inline = 8, 20, 8
	}

	b.align()
	start := len(b.buf)
	tableLen := countSize + len(fields)*entrySize + inline
	b.buf = append(b.buf, make([]byte, tableLen)...)
	if b.big {
		b.order.PutUint64(b.buf[start:], uint64(len(fields)))
	} else {
		b.order.PutUint16(b.buf[start:], uint16(len(fields)))
	}

	var extra bytes.Buffer
	extraBase := start + tableLen
	for i, f := range fields {
		pos := start + countSize + i*entrySize
		val, count := f.bytes(b.order)
		b.order.PutUint16(b.buf[pos:], f.tag)
		b.order.PutUint16(b.buf[pos+2:], f.typ)
		if b.big {
			b.order.PutUint64(b.buf[pos+4:], count)
		} else {
			if count > 1<<32-1 {
				return fmt.Errorf("tag %d has too many values for classic TIFF", f.tag)
			}
			b.order.PutUint32(b.buf[pos+4:], uint32(count))
		}
		vpos := pos + 4 + inline
		if len(val) <= inline {
			copy(b.buf[vpos:vpos+inline], val)
			continue
		}
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
		b.putOffset(vpos, uint64(extraBase+extra.Len()))
		extra.Write(val)
	}

	b.putOffset(b.link, uint64(start))
	b.link = start + countSize + len(fields)*entrySize
	b.buf = append(b.buf, extra.Bytes()...)
	return nil
}
