package tiff

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// DefaultChunkElements bounds the samples held by one chunk when the caller
// passes a non-positive limit.
const DefaultChunkElements = 1 << 20

var errReaderClosed = errors.New("tiff: chunk reader closed")

// Chunk locates the samples returned by the last ChunkReader.Next call.
// Samples are ordered row by row, pixel by pixel, sample by sample.
type Chunk struct {
	Page    int
	Plane   int // sample index for planar pages, 0 otherwise
	Row     int
	Col     int
	Rows    int
	Cols    int
	Samples int // samples per pixel carried by the chunk
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return c.Rows * c.Cols * c.Samples }

type segment struct {
	page       *Page
	index      int
	r          io.Reader
	closer     io.Closer
	plane      int
	row0, col0 int
	rows, cols int
	samples    int
	rowBytes   int // stored bytes per row, including tile padding
	validBytes int
	next       int
}

// ChunkReader streams the samples of a file page by page and segment by
// segment, never holding more than one chunk in memory. It is not safe for
// concurrent use.
type ChunkReader struct {
	f        *File
	max      int
	page     int
	seg      int
	cur      *segment
	raw      []byte
	zstd     *zstd.Decoder
	last     Chunk
	err      error
	consumed int64
}

// Chunks returns a reader yielding at most maxElements samples per chunk.
// A chunk never spans two strips or tiles, and always holds whole rows of its
// segment unless a single row exceeds maxElements.
func (f *File) Chunks(maxElements int) *ChunkReader {
	if maxElements <= 0 {
		maxElements = DefaultChunkElements
	}
	return &ChunkReader{f: f, max: maxElements}
}

// Chunk returns the geometry of the chunk returned by the last Next call.
func (c *ChunkReader) Chunk() Chunk { return c.last }

// Consumed returns the total number of samples returned so far.
func (c *ChunkReader) Consumed() int64 { return c.consumed }

// Next decodes the next chunk into dst, reusing its storage, and returns the
// filled slice. It returns io.EOF once every page has been read.
func (c *ChunkReader) Next(dst []float64) ([]float64, error) {
	for {
		if c.err != nil {
			return dst[:0], c.err
		}
		if c.cur == nil {
			if err := c.advance(); err != nil {
				c.err = err
				continue
			}
		}
		st := c.cur
		if st.next >= st.rows {
			c.closeSegment()
			continue
		}

		rowElems := st.cols * st.samples
		n := c.max / rowElems
		if n < 1 {
			n = 1
		}
		if n > st.rows-st.next {
			n = st.rows - st.next
		}

		need := n * st.rowBytes
		if cap(c.raw) < need {
			c.raw = make([]byte, need)
		}
		raw := c.raw[:need]
		if _, err := io.ReadFull(st.r, raw); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			c.err = fmt.Errorf("page %d segment %d: %w", st.page.Index, st.index, err)
			continue
		}

		dst = dst[:0]
		order := c.f.order
		for r := 0; r < n; r++ {
			row := raw[r*st.rowBytes : (r+1)*st.rowBytes]
			if st.page.Predictor == predictorHorizontal {
				undoPredictor(row, st.page.DType, order, st.samples)
			}
			dst = st.page.DType.decodeSamples(order, row[:st.validBytes], dst)
		}

		c.last = Chunk{
			Page:    st.page.Index,
			Plane:   st.plane,
			Row:     st.row0 + st.next,
			Col:     st.col0,
			Rows:    n,
			Cols:    st.cols,
			Samples: st.samples,
		}
		st.next += n
		c.consumed += int64(len(dst))
		return dst, nil
	}
}

// advance opens the next segment, or returns io.EOF after the last page.
func (c *ChunkReader) advance() error {
	pages := c.f.pages
	for c.page < len(pages) && c.seg >= pages[c.page].Segments() {
		c.page++
		c.seg = 0
	}
	if c.page >= len(pages) {
		return io.EOF
	}

	p := pages[c.page]
	st := c.geometry(p, c.seg)
	r, closer, err := c.openSegment(p, c.seg)
	if err != nil {
		return err
	}
	st.r, st.closer = r, closer
	c.cur = st
	c.seg++
	return nil
}

func (c *ChunkReader) geometry(p *Page, s int) *segment {
	st := &segment{page: p, index: s, samples: p.SamplesPerPixel}
	if p.Planar == planarSeparate {
		st.samples = 1
	}
	size := p.DType.Size()

	if p.Tiled() {
		across := ceilDiv(p.Width, p.TileWidth)
		perPlane := across * ceilDiv(p.Height, p.TileHeight)
		st.plane = s / perPlane
		k := s % perPlane
		st.row0 = (k / across) * p.TileHeight
		st.col0 = (k % across) * p.TileWidth
		st.rows = min(p.TileHeight, p.Height-st.row0)
		st.cols = min(p.TileWidth, p.Width-st.col0)
		st.rowBytes = p.TileWidth * st.samples * size
	} else {
		perPlane := ceilDiv(p.Height, p.RowsPerStrip)
		st.plane = s / perPlane
		st.row0 = (s % perPlane) * p.RowsPerStrip
		st.rows = min(p.RowsPerStrip, p.Height-st.row0)
		st.cols = p.Width
		st.rowBytes = p.Width * st.samples * size
	}
	st.validBytes = st.cols * st.samples * size
	return st
}

func (c *ChunkReader) closeSegment() {
	if c.cur != nil && c.cur.closer != nil {
		c.cur.closer.Close()
	}
	c.cur = nil
}

// Close releases decompressor state. The underlying File stays open.
func (c *ChunkReader) Close() error {
	c.closeSegment()
	if c.zstd != nil {
		c.zstd.Close()
		c.zstd = nil
	}
	c.err = errReaderClosed
	return nil
}
