package tiff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

// Compression is the value of the Compression tag.
type Compression uint16

const (
	CompressionNone         Compression = 1
	CompressionLZW          Compression = 5
	CompressionDeflate      Compression = 8
	CompressionPackBits     Compression = 32773
	CompressionAdobeDeflate Compression = 32946
	CompressionZstd         Compression = 50000
)

var compressionNames = map[Compression]string{
	CompressionNone:         "none",
	CompressionLZW:          "lzw",
	CompressionDeflate:      "deflate",
	CompressionPackBits:     "packbits",
	CompressionAdobeDeflate: "adobe_deflate",
	CompressionZstd:         "zstd",
}

func (c Compression) String() string {
	if s, ok := compressionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("compression(%d)", uint16(c))
}

// ParseCompression accepts the names returned by String; the empty string means none.
func ParseCompression(s string) (Compression, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CompressionNone, nil
	}
	for c, name := range compressionNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) decodable() bool {
	_, ok := compressionNames[c]
	return ok
}

// Encodable reports whether Encode can write segments with c.
func (c Compression) Encodable() bool {
	switch c {
	case CompressionNone, CompressionDeflate, CompressionAdobeDeflate, CompressionZstd:
		return true
	}
	return false
}

const segmentBufferSize = 64 << 10

// openSegment returns a reader yielding the decompressed bytes of one strip or tile.
// The closer, if non-nil, must be closed before the next segment is opened.
func (c *ChunkReader) openSegment(p *Page, s int) (io.Reader, io.Closer, error) {
	off, n := p.offsets[s], p.byteCounts[s]
	if off > uint64(c.f.size) || n > uint64(c.f.size)-off {
		return nil, nil, formatErr("segment %d of page %d lies outside the file", s, p.Index)
	}
	var src io.Reader = io.NewSectionReader(c.f.r, int64(off), int64(n))
	if p.Compression != CompressionNone {
		src = bufio.NewReaderSize(src, segmentBufferSize)
	}

	switch p.Compression {
	case CompressionNone:
		return src, nil, nil
	case CompressionLZW:
		rc := lzw.NewReader(src, lzw.MSB, 8)
		return rc, rc, nil
	case CompressionDeflate, CompressionAdobeDeflate:
		rc, err := zlib.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("segment %d of page %d: %w", s, p.Index, err)
		}
		return rc, rc, nil
	case CompressionPackBits:
		return &packBitsReader{r: src.(io.ByteReader)}, nil, nil
	case CompressionZstd:
		if c.zstd == nil {
			d, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
			if err != nil {
				return nil, nil, err
			}
			c.zstd = d
			return d, nil, nil
		}
		if err := c.zstd.Reset(src); err != nil {
			return nil, nil, err
		}
		return c.zstd, nil, nil
	}
	return nil, nil, formatErr("unsupported compression %d", p.Compression)
}

// packBitsReader expands Apple PackBits run-length encoding.
type packBitsReader struct {
	r      io.ByteReader
	lit    int
	rep    int
	repeat byte
}

func (pb *packBitsReader) Read(p []byte) (int, error) {
	i := 0
	for i < len(p) {
		switch {
		case pb.lit > 0:
			b, err := pb.r.ReadByte()
			if err != nil {
				return i, io.ErrUnexpectedEOF
			}
			p[i] = b
			pb.lit--
			i++
		case pb.rep > 0:
			p[i] = pb.repeat
			pb.rep--
			i++
		default:
			h, err := pb.r.ReadByte()
			if err == io.EOF {
				if i > 0 {
					return i, nil
				}
				return 0, io.EOF
			}
			if err != nil {
				return i, err
			}
			n := int(int8(h))
			switch {
			case n >= 0:
				pb.lit = n + 1
			case n != -128:
				b, err := pb.r.ReadByte()
				if err != nil {
					return i, io.ErrUnexpectedEOF
				}
				pb.repeat = b
				pb.rep = 1 - n
			}
		}
	}
	return i, nil
}

// undoPredictor reverses horizontal differencing in place on one row of
// samplesPerPixel-interleaved integer samples.
func undoPredictor(row []byte, d DType, order binary.ByteOrder, samplesPerPixel int) {
	switch d.Size() {
	case 1:
		for i := samplesPerPixel; i < len(row); i++ {
			row[i] += row[i-samplesPerPixel]
		}
	case 2:
		stride := samplesPerPixel * 2
		for i := stride; i+2 <= len(row); i += 2 {
			order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[i-stride:]))
		}
	case 4:
		stride := samplesPerPixel * 4
		for i := stride; i+4 <= len(row); i += 4 {
			order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[i-stride:]))
		}
	case 8:
		stride := samplesPerPixel * 8
		for i := stride; i+8 <= len(row); i += 8 {
			order.PutUint64(row[i:], order.Uint64(row[i:])+order.Uint64(row[i-stride:]))
		}
	}
}

// applyPredictor is the inverse of undoPredictor. It walks the row backwards so
// every difference is taken against the original left neighbour.
func applyPredictor(row []byte, d DType, order binary.ByteOrder, samplesPerPixel int) {
	switch d.Size() {
	case 1:
		for i := len(row) - 1; i >= samplesPerPixel; i-- {
			row[i] -= row[i-samplesPerPixel]
		}
	case 2:
		stride := samplesPerPixel * 2
		for i := len(row) - 2; i >= stride; i -= 2 {
			order.PutUint16(row[i:], order.Uint16(row[i:])-order.Uint16(row[i-stride:]))
		}
	case 4:
		stride := samplesPerPixel * 4
		for i := len(row) - 4; i >= stride; i -= 4 {
			order.PutUint32(row[i:], order.Uint32(row[i:])-order.Uint32(row[i-stride:]))
		}
	case 8:
		stride := samplesPerPixel * 8
		for i := len(row) - 8; i >= stride; i -= 8 {
			order.PutUint64(row[i:], order.Uint64(row[i:])-order.Uint64(row[i-stride:]))
		}
	}
}

// segmentCompressor compresses whole segments for the writer.
type segmentCompressor struct {
	method Compression
	level  int
	zstd   *zstd.Encoder
	buf    bytes.Buffer
	out    []byte
}

func newSegmentCompressor(method Compression, level int) (*segmentCompressor, error) {
	if !method.Encodable() {
		return nil, fmt.Errorf("writing %s compressed segments is not supported", method)
	}
	sc := &segmentCompressor{method: method, level: level}
	if method == CompressionZstd {
		lvl := zstd.SpeedDefault
		if level > 0 {
			lvl = zstd.EncoderLevelFromZstd(level)
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		sc.zstd = enc
	}
	return sc, nil
}

// compress returns the encoded form of raw. The result is only valid until the next call.
func (sc *segmentCompressor) compress(raw []byte) ([]byte, error) {
	switch sc.method {
	case CompressionNone:
		return raw, nil
	case CompressionZstd:
		sc.out = sc.zstd.EncodeAll(raw, sc.out[:0])
		return sc.out, nil
	default:
		sc.buf.Reset()
		lvl := zlib.DefaultCompression
		if sc.level > 0 {
			lvl = sc.level
		}
		zw, err := zlib.NewWriterLevel(&sc.buf, lvl)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return sc.buf.Bytes(), nil
	}
}

func (sc *segmentCompressor) Close() error {
	if sc.zstd != nil {
		return sc.zstd.Close()
	}
	return nil
}
