package tiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func ramp(n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i%251) * scale
	}
	return out
}

func mustOpenBytes(t *testing.T, b []byte) *File {
	t.Helper()
	f, err := NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return f
}

func roundTrip(t *testing.T, a *Array, opts EncodeOptions) *Array {
	t.Helper()
	b, err := EncodeBytes(a, opts)
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}
	got, err := mustOpenBytes(t, b).ReadArray()
	if err != nil {
		t.Fatalf("ReadArray: %v", err)
	}
	return got
}

func assertSameArray(t *testing.T, want, got *Array) {
	t.Helper()
	if !equalInts(want.Shape, got.Shape) {
		t.Fatalf("shape = %v, want %v", got.Shape, want.Shape)
	}
	if len(want.Data) != len(got.Data) {
		t.Fatalf("len = %d, want %d", len(got.Data), len(want.Data))
	}
	for i := range want.Data {
		if want.Data[i] != got.Data[i] {
			t.Fatalf("element %d = %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestRoundTripShapes(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
	}{
		{"1d", []int{17}},
		{"2d", []int{10, 10}},
		{"3d", []int{10, 10, 3}},
		{"4d", []int{2, 5, 4, 3}},
		{"5d", []int{4, 4, 5, 3, 2}},
		{"single pixel", []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Array{Shape: tt.shape, DType: Uint16, Data: ramp(product(tt.shape), 3)}
			got := roundTrip(t, a, EncodeOptions{DType: Uint16})
			assertSameArray(t, a, got)
			if got.DType != Uint16 {
				t.Errorf("dtype = %s, want uint16", got.DType)
			}
		})
	}
}

func TestRoundTripDTypes(t *testing.T) {
	for _, d := range []DType{Uint8, Uint16, Uint32, Uint64, Int8, Int16, Int32, Int64, Float32, Float64} {
		t.Run(d.String(), func(t *testing.T) {
			data := ramp(6*7*2, 1)
			if d == Int8 || d == Int16 || d == Int32 || d == Int64 {
				for i := range data {
					data[i] -= 50
				}
			}
			a := &Array{Shape: []int{6, 7, 2}, Data: data}
			got := roundTrip(t, a, EncodeOptions{DType: d})
			assertSameArray(t, a, got)
			if got.DType != d {
				t.Errorf("dtype = %s, want %s", got.DType, d)
			}
		})
	}
}

func TestRoundTripCompressionAndLayout(t *testing.T) {
	a := &Array{Shape: []int{3, 70, 45, 2}, Data: ramp(3*70*45*2, 1)}
	tests := []struct {
		name string
		opts EncodeOptions
	}{
		{"deflate", EncodeOptions{DType: Uint16, Compression: CompressionDeflate}},
		{"adobe deflate", EncodeOptions{DType: Uint16, Compression: CompressionAdobeDeflate}},
		{"zstd", EncodeOptions{DType: Uint16, Compression: CompressionZstd}},
		{"zstd level", EncodeOptions{DType: Uint16, Compression: CompressionZstd, Level: 19}},
		{"predictor", EncodeOptions{DType: Uint16, Compression: CompressionDeflate, Predictor: true}},
		{"predictor uint8", EncodeOptions{DType: Uint8, Predictor: true}},
		{"tiles", EncodeOptions{DType: Uint16, TileSize: 16}},
		{"tiles zstd predictor", EncodeOptions{DType: Int32, TileSize: 32, Compression: CompressionZstd, Predictor: true}},
		{"big endian", EncodeOptions{DType: Float32, ByteOrder: binary.BigEndian}},
		{"big endian predictor", EncodeOptions{DType: Uint16, ByteOrder: binary.BigEndian, Predictor: true}},
		{"bigtiff", EncodeOptions{DType: Float64, BigTIFF: true}},
		{"bigtiff tiles big endian", EncodeOptions{DType: Uint16, BigTIFF: true, TileSize: 16, ByteOrder: binary.BigEndian}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, a, tt.opts)
			assertSameArray(t, a, got)
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	a := &Array{Shape: []int{4, 4}, Data: ramp(16, 1)}
	cases := map[string]EncodeOptions{
		"lzw":             {Compression: CompressionLZW},
		"packbits":        {Compression: CompressionPackBits},
		"float predictor": {DType: Float32, Predictor: true},
		"odd tile":        {TileSize: 10},
	}
	for name, opts := range cases {
		if _, err := EncodeBytes(a, opts); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := EncodeBytes(&Array{Shape: []int{0, 4}}, EncodeOptions{}); err == nil {
		t.Error("empty axis: expected error")
	}
	if _, err := EncodeBytes(&Array{Shape: []int{4, 4}, Data: make([]float64, 3)}, EncodeOptions{}); err == nil {
		t.Error("short data: expected error")
	}
}

func TestEncodeSaturates(t *testing.T) {
	a := &Array{Shape: []int{1, 4}, Data: []float64{-5, 1.6, 300, math.NaN()}}
	got := roundTrip(t, a, EncodeOptions{DType: Uint8})
	want := []float64{0, 2, 255, 0}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, got.Data[i], want[i])
		}
	}
}

func TestFileMetadata(t *testing.T) {
	a := &Array{Shape: []int{5, 8, 6, 3}, Data: ramp(5*8*6*3, 1)}
	b, err := EncodeBytes(a, EncodeOptions{DType: Uint16, Compression: CompressionZstd})
	if err != nil {
		t.Fatal(err)
	}
	f := mustOpenBytes(t, b)

	if len(f.Pages()) != 5 {
		t.Fatalf("pages = %d, want 5", len(f.Pages()))
	}
	if f.ElementCount() != int64(len(a.Data)) {
		t.Errorf("ElementCount = %d, want %d", f.ElementCount(), len(a.Data))
	}
	p := f.Pages()[0]
	if p.Width != 6 || p.Height != 8 || p.SamplesPerPixel != 3 {
		t.Errorf("page geometry = %dx%dx%d", p.Height, p.Width, p.SamplesPerPixel)
	}
	if p.Compression != CompressionZstd {
		t.Errorf("compression = %s", p.Compression)
	}
	if f.Pages()[1].Description != "" {
		t.Errorf("description repeated on page 1: %q", f.Pages()[1].Description)
	}
	if f.BigTIFF() {
		t.Error("small file written as BigTIFF")
	}
	if f.ByteOrder() != binary.LittleEndian {
		t.Error("expected little endian")
	}

	info := f.Info()
	if info.DType != "uint16" || info.BitDepth != 16 || info.Pages != 5 || info.Compression != "zstd" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestOpenFromDisk(t *testing.T) {
	a := &Array{Shape: []int{10, 10, 3}, Data: ramp(300, 1)}
	path := filepath.Join(t.TempDir(), "img.tif")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Encode(fh, a, EncodeOptions{DType: Uint8}); err != nil {
		t.Fatal(err)
	}
	fh.Close()

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	got, err := f.ReadArray()
	if err != nil {
		t.Fatal(err)
	}
	assertSameArray(t, a, got)
}

func TestShapeFallsBackWithoutDescription(t *testing.T) {
	f := mustOpenBytes(t, buildRaw(t, rawFile{pages: 3, h: 4, w: 5, s: 2}))
	if got := f.Shape(); !equalInts(got, []int{3, 4, 5, 2}) {
		t.Errorf("Shape = %v, want [3 4 5 2]", got)
	}

	f = mustOpenBytes(t, buildRaw(t, rawFile{pages: 1, h: 4, w: 5, s: 3, planar: true}))
	if got := f.Shape(); !equalInts(got, []int{3, 4, 5}) {
		t.Errorf("planar Shape = %v, want [3 4 5]", got)
	}

	// a description that does not match the element count is ignored
	f = mustOpenBytes(t, buildRaw(t, rawFile{pages: 2, h: 4, w: 5, s: 1, desc: `{"shape": [7, 7]}`}))
	if got := f.Shape(); !equalInts(got, []int{2, 4, 5}) {
		t.Errorf("Shape = %v, want [2 4 5]", got)
	}
}

func TestPlanarRead(t *testing.T) {
	f := mustOpenBytes(t, buildRaw(t, rawFile{pages: 1, h: 3, w: 4, s: 2, planar: true}))
	a, err := f.ReadArray()
	if err != nil {
		t.Fatal(err)
	}
	// buildRaw fills samples with their storage position
	for i, v := range a.Data {
		if v != float64(i) {
			t.Fatalf("element %d = %v", i, v)
		}
	}
}

func TestReducedResolutionPagesSkipped(t *testing.T) {
	f := mustOpenBytes(t, buildRaw(t, rawFile{pages: 3, h: 2, w: 2, s: 1, reduced: map[int]bool{1: true}}))
	if len(f.Pages()) != 2 {
		t.Fatalf("pages = %d, want 2", len(f.Pages()))
	}
	if f.ElementCount() != 8 {
		t.Errorf("ElementCount = %d, want 8", f.ElementCount())
	}
}

func TestMalformedFiles(t *testing.T) {
	good, err := EncodeBytes(&Array{Shape: []int{4, 4}, Data: ramp(16, 1)}, EncodeOptions{DType: Uint8})
	if err != nil {
		t.Fatal(err)
	}

	loop := buildRaw(t, rawFile{pages: 1, h: 2, w: 2, s: 1})
	first := binary.LittleEndian.Uint32(loop[4:])
	n := binary.LittleEndian.Uint16(loop[first:])
	binary.LittleEndian.PutUint32(loop[first+2+uint32(n)*12:], first)

	cases := map[string][]byte{
		"empty":     {},
		"bad magic": []byte("XX*\x00\x08\x00\x00\x00"),
		"version":   []byte("II\x2b\x01\x08\x00\x00\x00"),
		"truncated": good[:len(good)/2],
		"loop":      loop,
	}
	for name, b := range cases {
		_, err := NewReader(bytes.NewReader(b), int64(len(b)))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if name != "truncated" && !errors.Is(err, ErrFormat) {
			t.Errorf("%s: error %v does not wrap ErrFormat", name, err)
		}
	}
}

func TestTruncatedSegmentFailsDuringRead(t *testing.T) {
	b := buildRaw(t, rawFile{pages: 1, h: 4, w: 4, s: 1, shortCounts: true})
	f := mustOpenBytes(t, b)
	if _, err := f.ReadArray(); err == nil {
		t.Fatal("expected read error for short strip")
	}
}

func TestChunksBounded(t *testing.T) {
	a := &Array{Shape: []int{2, 50, 40, 3}, Data: ramp(2*50*40*3, 1)}
	for _, opts := range []EncodeOptions{{DType: Uint16}, {DType: Uint16, TileSize: 16}} {
		b, err := EncodeBytes(a, opts)
		if err != nil {
			t.Fatal(err)
		}
		f := mustOpenBytes(t, b)
		cr := f.Chunks(500)

		var total int64
		var buf []float64
		for {
			buf, err = cr.Next(buf)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(buf) > 500 {
				t.Fatalf("chunk of %d elements exceeds bound", len(buf))
			}
			if cr.Chunk().Len() != len(buf) {
				t.Fatalf("chunk geometry %+v disagrees with %d elements", cr.Chunk(), len(buf))
			}
			total += int64(len(buf))
		}
		if total != f.ElementCount() || cr.Consumed() != total {
			t.Errorf("streamed %d elements, want %d", total, f.ElementCount())
		}
		cr.Close()
		if _, err := cr.Next(buf); err == nil || err == io.EOF {
			t.Errorf("Next after Close = %v", err)
		}
	}
}

func TestLZWAndPackBitsDecode(t *testing.T) {
	// hand-encoded segments for a 1x8 uint8 page with values 0..7 repeated
	packbits := []byte{0x03, 0, 1, 2, 3, 0xFD, 9}
	f := mustOpenBytes(t, buildRaw(t, rawFile{pages: 1, h: 1, w: 8, s: 1, compression: CompressionPackBits, segment: packbits}))
	a, err := f.ReadArray()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 2, 3, 9, 9, 9, 9}
	for i := range want {
		if a.Data[i] != want[i] {
			t.Fatalf("packbits element %d = %v, want %v", i, a.Data[i], want[i])
		}
	}

	// LZW stream for bytes 7,7,7,7 with 9-bit MSB codes: clear, 7, 258, 7, eoi
	lzwData := packCodes([]int{256, 7, 258, 7, 257}, 9)
	f = mustOpenBytes(t, buildRaw(t, rawFile{pages: 1, h: 1, w: 4, s: 1, compression: CompressionLZW, segment: lzwData}))
	if a, err = f.ReadArray(); err != nil {
		t.Fatal(err)
	}
	for i, v := range a.Data {
		if v != 7 {
			t.Fatalf("lzw element %d = %v, want 7", i, v)
		}
	}
}

func packCodes(codes []int, width uint) []byte {
	var out []byte
	var acc uint32
	var bits uint
	for _, c := range codes {
		acc = acc<<width | uint32(c)
		bits += width
		for bits >= 8 {
			out = append(out, byte(acc>>(bits-8)))
			bits -= 8
		}
	}
	if bits > 0 {
		out = append(out, byte(acc<<(8-bits)))
	}
	return out
}

func TestPlaneSelection(t *testing.T) {
	a := NewArray(Float64, 3, 4, 2, 5)
	for i := range a.Data {
		a.Data[i] = float64(i)
	}
	p, err := a.Plane(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(p.Shape, []int{3, 4}) {
		t.Fatalf("shape = %v", p.Shape)
	}
	// a[y, x, 1, 3] = ((y*4+x)*2+1)*5+3
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			want := float64(((y*4+x)*2+1)*5 + 3)
			if got := p.Data[y*4+x]; got != want {
				t.Errorf("plane[%d,%d] = %v, want %v", y, x, got, want)
			}
		}
	}
	if _, err := a.Plane(0); err == nil {
		t.Error("expected error for wrong index count")
	}
	if _, err := a.Plane(2, 0); err == nil {
		t.Error("expected error for out of range index")
	}
}

// rawFile describes a hand-built classic little-endian file for reader tests
// covering layouts the writer never produces.
type rawFile struct {
	pages, h, w, s int
	planar         bool
	desc           string
	reduced        map[int]bool
	compression    Compression
	segment        []byte // used verbatim as the single segment when set
	shortCounts    bool
}

func buildRaw(t *testing.T, rf rawFile) []byte {
	t.Helper()
	b := newBuilder(binary.LittleEndian, false)
	if rf.compression == 0 {
		rf.compression = CompressionNone
	}
	for p := 0; p < rf.pages; p++ {
		var offsets, counts []uint64
		if rf.segment != nil {
			offsets = append(offsets, b.appendData(rf.segment))
			counts = append(counts, uint64(len(rf.segment)))
		} else if rf.planar {
			for s := 0; s < rf.s; s++ {
				plane := make([]byte, rf.h*rf.w)
				for i := range plane {
					plane[i] = byte(s*rf.h*rf.w + i)
				}
				offsets = append(offsets, b.appendData(plane))
				counts = append(counts, uint64(len(plane)))
			}
		} else {
			data := make([]byte, rf.h*rf.w*rf.s)
			for i := range data {
				data[i] = byte(i)
			}
			offsets = append(offsets, b.appendData(data))
			n := uint64(len(data))
			if rf.shortCounts {
				n /= 2
			}
			counts = append(counts, n)
		}

		planar := uint64(planarChunky)
		if rf.planar {
			planar = planarSeparate
		}
		subfile := uint64(0)
		if rf.reduced[p] {
			subfile = 1
		}
		bits := make([]uint64, rf.s)
		for i := range bits {
			bits[i] = 8
		}
		fields := []field{
			{tag: tagNewSubfileType, typ: typeLong, vals: []uint64{subfile}},
			{tag: tagImageWidth, typ: typeShort, vals: []uint64{uint64(rf.w)}},
			{tag: tagImageLength, typ: typeShort, vals: []uint64{uint64(rf.h)}},
			{tag: tagBitsPerSample, typ: typeShort, vals: bits},
			{tag: tagCompression, typ: typeShort, vals: []uint64{uint64(rf.compression)}},
			{tag: tagSamplesPerPixel, typ: typeShort, vals: []uint64{uint64(rf.s)}},
			{tag: tagPlanarConfig, typ: typeShort, vals: []uint64{planar}},
			{tag: tagRowsPerStrip, typ: typeLong, vals: []uint64{uint64(rf.h)}},
			{tag: tagStripOffsets, typ: typeLong, vals: offsets},
			{tag: tagStripByteCounts, typ: typeLong, vals: counts},
		}
		if rf.desc != "" && p == 0 {
			fields = append(fields, field{tag: tagImageDescription, typ: typeASCII, text: rf.desc})
		}
		if err := b.writeIFD(fields); err != nil {
			t.Fatal(err)
		}
	}
	return b.buf
}
