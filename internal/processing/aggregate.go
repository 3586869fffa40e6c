package processing

import "math"

// Aggregate accumulates sufficient statistics over a stream of samples.
// Sum and SumSquares are kept for reporting; the variance comes from the
// running mean and M2, merged chunk by chunk, which does not lose precision
// when the mean is large relative to the spread.
type Aggregate struct {
	Count      uint64
	Sum        float64
	SumSquares float64
	Min        float64
	Max        float64

	mean float64
	m2   float64
}

// NewAggregate returns an empty aggregate with Min = +Inf and Max = -Inf.
func NewAggregate() *Aggregate {
	return &Aggregate{Min: math.Inf(1), Max: math.Inf(-1)}
}

// Add folds one chunk into the aggregate.
func (a *Aggregate) Add(chunk []float64) {
	if len(chunk) == 0 {
		return
	}
	var sum, sq float64
	lo, hi := chunk[0], chunk[0]
	for _, v := range chunk {
		sum += v
		sq += v * v
		if math.IsNaN(v) {
			// NaN sticks: later comparisons against it are all false
			lo, hi = v, v
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	n := float64(len(chunk))
	mean := sum / n
	var m2 float64
	for _, v := range chunk {
		d := v - mean
		m2 += d * d
	}

	a.Sum += sum
	a.SumSquares += sq
	// NaN never compares, so propagate it explicitly.
	if lo < a.Min || math.IsNaN(lo) {
		a.Min = lo
	}
	if hi > a.Max || math.IsNaN(hi) {
		a.Max = hi
	}
	a.combine(uint64(len(chunk)), mean, m2)
}

// Merge folds b into a. Merge is commutative and associative up to rounding.
func (a *Aggregate) Merge(b *Aggregate) {
	if b == nil || b.Count == 0 {
		return
	}
	a.Sum += b.Sum
	a.SumSquares += b.SumSquares
	if b.Min < a.Min || math.IsNaN(b.Min) {
		a.Min = b.Min
	}
	if b.Max > a.Max || math.IsNaN(b.Max) {
		a.Max = b.Max
	}
	a.combine(b.Count, b.mean, b.m2)
}

// combine applies the pairwise update of Chan, Golub and LeVeque.
func (a *Aggregate) combine(n uint64, mean, m2 float64) {
	if a.Count == 0 {
		a.Count, a.mean, a.m2 = n, mean, m2
		return
	}
	na, nb := float64(a.Count), float64(n)
	total := na + nb
	delta := mean - a.mean
	a.mean += delta * nb / total
	a.m2 += m2 + delta*delta*na*nb/total
	a.Count += n
}

// constant reports whether every sample seen so far had the same value.
// Rounding in Sum and the chunk means must not leak into that case.
func (a *Aggregate) constant() bool {
	return a.Count > 0 && a.Min == a.Max
}

// Mean returns Sum / Count, or the running mean when Sum overflowed.
func (a *Aggregate) Mean() float64 {
	if a.constant() {
		return a.Min
	}
	m := a.Sum / float64(a.Count)
	if math.IsInf(m, 0) {
		return a.mean
	}
	return m
}

// StdDev returns the population standard deviation, clamped at zero.
func (a *Aggregate) StdDev() float64 {
	if a.constant() {
		return 0
	}
	v := a.m2 / float64(a.Count)
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}
