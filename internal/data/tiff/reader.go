// Package tiff provides a streaming reader and an in-memory writer for multi-page
// TIFF and BigTIFF files holding N-dimensional numeric arrays.
package tiff

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Tags understood by the reader and writer.
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagSoftware         = 305
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagExtraSamples     = 338
	tagSampleFormat     = 339
)

// IFD field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeIFD       = 13
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

var typeSizes = map[uint16]uint64{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8, typeIFD: 4, typeLong8: 8, typeSLong8: 8, typeIFD8: 8,
}

const (
	planarChunky   = 1
	planarSeparate = 2

	predictorNone       = 1
	predictorHorizontal = 2

	maxIFDEntries = 4096
	maxTagBytes   = 1 << 30
)

// ErrFormat is wrapped by every error caused by malformed or unsupported file content.
var ErrFormat = errors.New("tiff: invalid or unsupported format")

func formatErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// Page describes one image file directory (IFD) holding a 2-D plane of pixels,
// each pixel carrying SamplesPerPixel samples.
type Page struct {
	Index           int
	Width           int
	Height          int
	SamplesPerPixel int
	DType           DType
	Compression     Compression
	Predictor       int
	Planar          int
	RowsPerStrip    int
	TileWidth       int
	TileHeight      int
	Description     string

	offsets    []uint64
	byteCounts []uint64
}

// Tiled reports whether the page is stored as tiles rather than strips.
func (p *Page) Tiled() bool { return p.TileWidth > 0 }

// Elements returns the number of samples in the page.
func (p *Page) Elements() int64 {
	return int64(p.Width) * int64(p.Height) * int64(p.SamplesPerPixel)
}

// Shape returns the natural array shape of the page.
func (p *Page) Shape() []int {
	if p.SamplesPerPixel == 1 {
		return []int{p.Height, p.Width}
	}
	if p.Planar == planarSeparate {
		return []int{p.SamplesPerPixel, p.Height, p.Width}
	}
	return []int{p.Height, p.Width, p.SamplesPerPixel}
}

// Segments returns the number of strips or tiles of the page.
func (p *Page) Segments() int { return len(p.offsets) }

// File is an open TIFF file. It is safe for concurrent readers as long as each
// uses its own ChunkReader.
type File struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer
	order  binary.ByteOrder
	big    bool
	pages  []*Page
	shape  []int
}

// Open opens the TIFF file at path and parses its directory chain.
func Open(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	f, err := NewReader(fh, info.Size())
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.closer = fh
	return f, nil
}

// NewReader parses a TIFF held by r, which must contain size bytes.
func NewReader(r io.ReaderAt, size int64) (*File, error) {
	f := &File{r: r, size: size}
	first, err := f.readHeader()
	if err != nil {
		return nil, err
	}
	if err := f.readPages(first); err != nil {
		return nil, err
	}
	f.shape = f.deriveShape()
	return f, nil
}

// Close releases the underlying file, if Open created it.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Pages returns the full-resolution pages in file order.
func (f *File) Pages() []*Page { return f.pages }

// ByteOrder returns the byte order of the file.
func (f *File) ByteOrder() binary.ByteOrder { return f.order }

// BigTIFF reports whether the file uses 64-bit offsets.
func (f *File) BigTIFF() bool { return f.big }

// Shape returns the array shape of the whole file.
func (f *File) Shape() []int { return append([]int(nil), f.shape...) }

// ElementCount returns the number of samples over all pages.
func (f *File) ElementCount() int64 {
	var n int64
	for _, p := range f.pages {
		n += p.Elements()
	}
	return n
}

// DType returns the sample type shared by all pages.
func (f *File) DType() (DType, error) {
	if len(f.pages) == 0 {
		return Invalid, formatErr("file has no pages")
	}
	d := f.pages[0].DType
	for _, p := range f.pages[1:] {
		if p.DType != d {
			return Invalid, formatErr("page %d has dtype %s, page 0 has %s", p.Index, p.DType, d)
		}
	}
	return d, nil
}

func (f *File) readAt(off uint64, n uint64) ([]byte, error) {
	if n > maxTagBytes || off > uint64(f.size) || off+n > uint64(f.size) {
		return nil, formatErr("read of %d bytes at offset %d exceeds file size %d", n, off, f.size)
	}
	buf := make([]byte, n)
	if _, err := f.r.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *File) readHeader() (uint64, error) {
	hdr, err := f.readAt(0, 8)
	if err != nil {
		return 0, formatErr("file too short for a header")
	}
	switch string(hdr[:2]) {
	case "II":
		f.order = binary.LittleEndian
	case "MM":
		f.order = binary.BigEndian
	default:
		return 0, formatErr("bad byte order mark %q", hdr[:2])
	}

	switch f.order.Uint16(hdr[2:]) {
	case 42:
		return uint64(f.order.Uint32(hdr[4:])), nil
	case 43:
		f.big = true
		ext, err := f.readAt(8, 8)
		if err != nil {
			return 0, formatErr("truncated BigTIFF header")
		}
		if f.order.Uint16(hdr[4:]) != 8 || f.order.Uint16(hdr[6:]) != 0 {
			return 0, formatErr("unsupported BigTIFF offset size")
		}
		return f.order.Uint64(ext), nil
	default:
		return 0, formatErr("bad version %d", f.order.Uint16(hdr[2:]))
	}
}

type ifdEntry struct {
	typ   uint16
	count uint64
	raw   []byte
}

func (f *File) readIFD(off uint64) (map[uint16]ifdEntry, uint64, error) {
	countSize, entrySize, inline := uint64(2), uint64(12), uint64(4)
	if f.big {
		countSize, entrySize, inline = 8, 20, 8
	}

	head, err := f.readAt(off, countSize)
	if err != nil {
		return nil, 0, err
	}
	var n uint64
	if f.big {
		n = f.order.Uint64(head)
	} else {
		n = uint64(f.order.Uint16(head))
	}
	if n == 0 || n > maxIFDEntries {
		return nil, 0, formatErr("IFD at %d has %d entries", off, n)
	}

	table, err := f.readAt(off+countSize, n*entrySize+inline)
	if err != nil {
		return nil, 0, err
	}

	entries := make(map[uint16]ifdEntry, n)
	for i := uint64(0); i < n; i++ {
		e := table[i*entrySize : (i+1)*entrySize]
		tag := f.order.Uint16(e[0:])
		typ := f.order.Uint16(e[2:])
		var count uint64
		var value []byte
		if f.big {
			count = f.order.Uint64(e[4:])
			value = e[12:20]
		} else {
			count = uint64(f.order.Uint32(e[4:]))
			value = e[8:12]
		}

		size, ok := typeSizes[typ]
		if !ok {
			continue
		}
		if count > maxTagBytes/size {
			return nil, 0, formatErr("tag %d count %d too large", tag, count)
		}
		total := size * count
		var raw []byte
		if total <= inline {
			raw = append([]byte(nil), value[:total]...)
		} else {
			var ptr uint64
			if f.big {
				ptr = f.order.Uint64(value)
			} else {
				ptr = uint64(f.order.Uint32(value))
			}
			if raw, err = f.readAt(ptr, total); err != nil {
				return nil, 0, fmt.Errorf("tag %d: %w", tag, err)
			}
		}
		entries[tag] = ifdEntry{typ: typ, count: count, raw: raw}
	}

	tail := table[n*entrySize:]
	var next uint64
	if f.big {
		next = f.order.Uint64(tail)
	} else {
		next = uint64(f.order.Uint32(tail))
	}
	return entries, next, nil
}

func (f *File) uints(e ifdEntry) ([]uint64, error) {
	out := make([]uint64, 0, e.count)
	for i := uint64(0); i < e.count; i++ {
		switch e.typ {
		case typeByte, typeUndefined:
			out = append(out, uint64(e.raw[i]))
		case typeSByte:
			out = append(out, uint64(int8(e.raw[i])))
		case typeShort:
			out = append(out, uint64(f.order.Uint16(e.raw[i*2:])))
		case typeSShort:
			out = append(out, uint64(int16(f.order.Uint16(e.raw[i*2:]))))
		case typeLong, typeIFD:
			out = append(out, uint64(f.order.Uint32(e.raw[i*4:])))
		case typeSLong:
			out = append(out, uint64(int32(f.order.Uint32(e.raw[i*4:]))))
		case typeLong8, typeIFD8, typeSLong8:
			out = append(out, f.order.Uint64(e.raw[i*8:]))
		default:
			return nil, formatErr("field type %d is not an integer type", e.typ)
		}
	}
	return out, nil
}

// uintTag returns the single value of tag, or def when the tag is absent.
func (f *File) uintTag(entries map[uint16]ifdEntry, tag uint16, def uint64) (uint64, error) {
	e, ok := entries[tag]
	if !ok {
		return def, nil
	}
	vals, err := f.uints(e)
	if err != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, err)
	}
	if len(vals) == 0 {
		return def, nil
	}
	return vals[0], nil
}

// uniformTag returns the value of a per-sample tag, requiring all samples to agree.
func (f *File) uniformTag(entries map[uint16]ifdEntry, tag uint16, def uint64) (uint64, error) {
	e, ok := entries[tag]
	if !ok {
		return def, nil
	}
	vals, err := f.uints(e)
	if err != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, err)
	}
	if len(vals) == 0 {
		return def, nil
	}
	for _, v := range vals[1:] {
		if v != vals[0] {
			return 0, formatErr("tag %d differs between samples: %v", tag, vals)
		}
	}
	return vals[0], nil
}

func (f *File) readPages(off uint64) error {
	seen := make(map[uint64]bool)
	for off != 0 {
		if seen[off] {
			return formatErr("IFD chain loops back to offset %d", off)
		}
		seen[off] = true

		entries, next, err := f.readIFD(off)
		if err != nil {
			return fmt.Errorf("IFD %d: %w", len(seen)-1, err)
		}
		subfile, err := f.uintTag(entries, tagNewSubfileType, 0)
		if err != nil {
			return err
		}
		if subfile&1 == 0 {
			p, err := f.parsePage(entries, len(f.pages))
			if err != nil {
				return fmt.Errorf("page %d: %w", len(f.pages), err)
			}
			f.pages = append(f.pages, p)
		}
		off = next
	}
	return nil
}

func (f *File) parsePage(entries map[uint16]ifdEntry, index int) (*Page, error) {
	get := func(tag uint16, def uint64) uint64 {
		v, err := f.uintTag(entries, tag, def)
		if err != nil {
			return def
		}
		return v
	}

	p := &Page{
		Index:           index,
		Width:           int(get(tagImageWidth, 0)),
		Height:          int(get(tagImageLength, 0)),
		SamplesPerPixel: int(get(tagSamplesPerPixel, 1)),
		Compression:     Compression(get(tagCompression, uint64(CompressionNone))),
		Predictor:       int(get(tagPredictor, predictorNone)),
		Planar:          int(get(tagPlanarConfig, planarChunky)),
	}
	if p.Width <= 0 || p.Height <= 0 || p.SamplesPerPixel <= 0 {
		return nil, formatErr("invalid dimensions %dx%d with %d samples", p.Width, p.Height, p.SamplesPerPixel)
	}
	if p.Planar != planarChunky && p.Planar != planarSeparate {
		return nil, formatErr("invalid planar configuration %d", p.Planar)
	}
	if p.SamplesPerPixel == 1 {
		p.Planar = planarChunky
	}
	if !p.Compression.decodable() {
		return nil, formatErr("unsupported compression %d", p.Compression)
	}

	bits, err := f.uniformTag(entries, tagBitsPerSample, 1)
	if err != nil {
		return nil, err
	}
	format, err := f.uniformTag(entries, tagSampleFormat, sampleFormatUint)
	if err != nil {
		return nil, err
	}
	if p.DType, err = dtypeFor(int(format), int(bits)); err != nil {
		return nil, formatErr("%v", err)
	}
	switch p.Predictor {
	case predictorNone:
	case predictorHorizontal:
		if p.DType.IsFloat() {
			return nil, formatErr("horizontal predictor on floating point samples")
		}
	default:
		return nil, formatErr("unsupported predictor %d", p.Predictor)
	}

	if e, ok := entries[tagImageDescription]; ok && e.typ == typeASCII {
		p.Description = strings.TrimRight(string(e.raw), "\x00")
	}

	planes := 1
	if p.Planar == planarSeparate {
		planes = p.SamplesPerPixel
	}

	var offsetsTag, countsTag uint16
	var want int
	if _, ok := entries[tagTileWidth]; ok {
		p.TileWidth = int(get(tagTileWidth, 0))
		p.TileHeight = int(get(tagTileLength, 0))
		if p.TileWidth <= 0 || p.TileHeight <= 0 {
			return nil, formatErr("invalid tile size %dx%d", p.TileWidth, p.TileHeight)
		}
		offsetsTag, countsTag = tagTileOffsets, tagTileByteCounts
		want = ceilDiv(p.Width, p.TileWidth) * ceilDiv(p.Height, p.TileHeight) * planes
	} else {
		rps := get(tagRowsPerStrip, uint64(p.Height))
		if rps == 0 || rps > uint64(p.Height) {
			rps = uint64(p.Height)
		}
		p.RowsPerStrip = int(rps)
		offsetsTag, countsTag = tagStripOffsets, tagStripByteCounts
		want = ceilDiv(p.Height, p.RowsPerStrip) * planes
	}

	offs, ok := entries[offsetsTag]
	if !ok {
		return nil, formatErr("missing segment offsets")
	}
	if p.offsets, err = f.uints(offs); err != nil {
		return nil, err
	}
	counts, ok := entries[countsTag]
	if !ok {
		return nil, formatErr("missing segment byte counts")
	}
	if p.byteCounts, err = f.uints(counts); err != nil {
		return nil, err
	}
	if len(p.offsets) != want || len(p.byteCounts) != want {
		return nil, formatErr("expected %d segments, found %d offsets and %d byte counts", want, len(p.offsets), len(p.byteCounts))
	}
	return p, nil
}

// shapeDescription is the JSON document tifffile stores in the first
// ImageDescription of a shaped file.
type shapeDescription struct {
	Shape []int `json:"shape"`
}

func (f *File) deriveShape() []int {
	total := f.ElementCount()
	if len(f.pages) == 0 {
		return []int{0}
	}

	if desc := strings.TrimSpace(f.pages[0].Description); strings.HasPrefix(desc, "{") {
		var sd shapeDescription
		if err := json.Unmarshal([]byte(desc), &sd); err == nil && len(sd.Shape) > 0 && int64(product(sd.Shape)) == total {
			return append([]int(nil), sd.Shape...)
		}
	}

	first := f.pages[0].Shape()
	for _, p := range f.pages[1:] {
		if !equalInts(p.Shape(), first) {
			return []int{int(total)}
		}
	}
	if len(f.pages) == 1 {
		return first
	}
	return append([]int{len(f.pages)}, first...)
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
