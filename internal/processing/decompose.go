package processing

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Decomposer finds the k orthonormal directions of greatest variance of a
// column-centered n×d matrix, returned as the columns of a d×k matrix in
// order of decreasing variance.
type Decomposer interface {
	Directions(x *mat.Dense, k int) (*mat.Dense, error)
}

var errFactorization = errors.New("factorization did not converge")

// SVDDecomposer uses a thin singular value decomposition of the data matrix.
type SVDDecomposer struct{}

func (SVDDecomposer) Directions(x *mat.Dense, k int) (*mat.Dense, error) {
	var pc stat.PC
	if !pc.PrincipalComponents(x, nil) {
		return nil, fmt.Errorf("svd: %w", errFactorization)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	d, m := vecs.Dims()
	if k > m {
		return nil, fmt.Errorf("svd: %d components requested, %d available", k, m)
	}
	out := mat.NewDense(d, k, nil)
	out.Copy(vecs.Slice(0, d, 0, k))
	return out, nil
}

// EigenDecomposer eigendecomposes the d×d covariance matrix. It is cheaper
// than SVDDecomposer when the sample count greatly exceeds the channel count.
type EigenDecomposer struct{}

func (EigenDecomposer) Directions(x *mat.Dense, k int) (*mat.Dense, error) {
	n, d := x.Dims()
	if n < 2 {
		return nil, fmt.Errorf("eigen: covariance needs at least 2 samples, have %d", n)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)

	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return nil, fmt.Errorf("eigen: %w", errFactorization)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// eigenvalues are ascending; take the last k columns in reverse
	out := mat.NewDense(d, k, nil)
	for j := 0; j < k; j++ {
		src := d - 1 - j
		for i := 0; i < d; i++ {
			out.Set(i, j, vecs.At(i, src))
		}
	}
	return out, nil
}

// DecomposerByName maps a configuration value to a Decomposer.
func DecomposerByName(name string) (Decomposer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "svd":
		return SVDDecomposer{}, nil
	case "eigen", "covariance":
		return EigenDecomposer{}, nil
	default:
		return nil, fmt.Errorf("unknown decomposer %q", name)
	}
}
