package processing

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiff-analytics/server/internal/data/tiff"
)

const opStatistics = "statistics"

// ChunkIterator yields successive chunks of samples. Next fills and returns
// dst, reusing its storage, and returns io.EOF after the last chunk.
// *tiff.ChunkReader satisfies it.
type ChunkIterator interface {
	Next(dst []float64) ([]float64, error)
}

// Summary is the result of a statistics call.
type Summary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// StatsEngine computes global statistics in a single streaming pass, holding
// at most a bounded number of chunks in memory.
type StatsEngine struct {
	ChunkElements int // samples per chunk, tiff.DefaultChunkElements when <= 0
	Workers       int // goroutines folding chunks, sequential when <= 1
	Logger        zerolog.Logger
}

// NewStatsEngine creates a stats engine.
func NewStatsEngine(chunkElements, workers int, logger zerolog.Logger) *StatsEngine {
	return &StatsEngine{ChunkElements: chunkElements, Workers: workers, Logger: logger}
}

// ComputeFile opens the TIFF at path and computes its statistics.
func (e *StatsEngine) ComputeFile(path string) (*Summary, error) {
	f, err := tiff.Open(path)
	if err != nil {
		return nil, newError(KindSourceUnreadable, opStatistics, err)
	}
	defer f.Close()

	start := time.Now()
	cr := f.Chunks(e.ChunkElements)
	defer cr.Close()

	s, err := e.Compute(cr)
	if err != nil {
		return nil, err
	}
	e.Logger.Debug().
		Str("path", path).
		Int("pages", len(f.Pages())).
		Int64("samples", cr.Consumed()).
		Dur("elapsed", time.Since(start)).
		Msg("statistics computed")
	return s, nil
}

// Compute drains it and returns the summary of every sample it yielded.
func (e *StatsEngine) Compute(it ChunkIterator) (*Summary, error) {
	var agg *Aggregate
	var err error
	if e.Workers > 1 {
		agg, err = accumulateParallel(it, e.Workers)
	} else {
		agg, err = accumulate(it)
	}
	if err != nil {
		return nil, newError(KindSourceUnreadable, opStatistics, err)
	}
	return Summarize(agg)
}

// Summarize turns a finished aggregate into a Summary.
func Summarize(agg *Aggregate) (*Summary, error) {
	if agg.Count == 0 {
		return nil, newError(KindEmptySource, opStatistics, nil)
	}
	// Non-finite samples surface as Min/Max; the input cannot be summarized.
	if isNonFinite(agg.Min) || isNonFinite(agg.Max) {
		return nil, newError(KindSourceUnreadable, opStatistics, ErrNonFiniteSample)
	}
	s := &Summary{
		Mean:   agg.Mean(),
		StdDev: agg.StdDev(),
		Min:    agg.Min,
		Max:    agg.Max,
	}
	for name, v := range map[string]float64{"mean": s.Mean, "std_dev": s.StdDev, "min": s.Min, "max": s.Max} {
		if isNonFinite(v) {
			return nil, newError(KindNumericDomain, opStatistics, fmt.Errorf("%w: %s is %v", ErrNumericDomain, name, v))
		}
	}
	return s, nil
}

func isNonFinite(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }

func accumulate(it ChunkIterator) (*Aggregate, error) {
	agg := NewAggregate()
	var buf []float64
	for {
		var err error
		buf, err = it.Next(buf)
		if errors.Is(err, io.EOF) {
			return agg, nil
		}
		if err != nil {
			return nil, err
		}
		agg.Add(buf)
	}
}

// accumulateParallel reads chunks on the calling goroutine and folds them on
// workers, each into a private aggregate. Buffers circulate through a fixed
// free list, bounding memory at 2*workers chunks.
func accumulateParallel(it ChunkIterator, workers int) (*Aggregate, error) {
	free := make(chan []float64, 2*workers)
	for i := 0; i < 2*workers; i++ {
		free <- nil
	}
	work := make(chan []float64, workers)

	partials := make([]*Aggregate, workers)
	var wg sync.WaitGroup
	for i := range partials {
		partials[i] = NewAggregate()
		wg.Add(1)
		go func(agg *Aggregate) {
			defer wg.Done()
			for buf := range work {
				agg.Add(buf)
				free <- buf
			}
		}(partials[i])
	}

	var readErr error
	for {
		buf, err := it.Next(<-free)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		work <- buf
	}
	close(work)
	wg.Wait()

	if readErr != nil {
		return nil, readErr
	}
	total := NewAggregate()
	for _, p := range partials {
		total.Merge(p)
	}
	return total, nil
}
