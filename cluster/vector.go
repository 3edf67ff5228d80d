package cluster

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when two vectors that must share a
	// dimension do not.
	ErrDimensionMismatch = errors.New("cluster: dimension mismatch")

	// ErrDegenerateVector is returned when a zero-norm vector takes part in a
	// cosine computation.
	ErrDegenerateVector = errors.New("cluster: degenerate (zero-norm) vector")

	// ErrNonFinite is returned when a vector holds NaN or ±Inf.
	ErrNonFinite = errors.New("cluster: non-finite vector component")
)

// RefError reports which reference vector failed in Similarities.
type RefError struct {
	Index int
	Err   error
}

func (e *RefError) Error() string { return fmt.Sprintf("reference %d: %v", e.Index, e.Err) }
func (e *RefError) Unwrap() error { return e.Err }

// CosineSimilarity returns a·b / (|a||b|).
func CosineSimilarity(a, b []float64) (float64, error) {
	na, err := norm(a)
	if err != nil {
		return 0, err
	}
	return similarity(a, na, b)
}

// CosineDistance returns 1 - CosineSimilarity(a, b).
func CosineDistance(a, b []float64) (float64, error) {
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// Similarities scores q against every reference vector. Problems with q are
// returned as-is; problems with a reference are wrapped in a *RefError.
func Similarities(q []float64, refs [][]float64) ([]float64, error) {
	nq, err := norm(q)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(refs))
	for i, r := range refs {
		sim, err := similarity(q, nq, r)
		if err != nil {
			return nil, &RefError{Index: i, Err: err}
		}
		out[i] = sim
	}
	return out, nil
}

// similarity computes the cosine of q (with precomputed squared norm nq)
// against r.
func similarity(q []float64, nq float64, r []float64) (float64, error) {
	if len(r) != len(q) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(r), len(q))
	}
	var dot, nr float64
	for i := range r {
		x := r[i]
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, ErrNonFinite
		}
		dot += q[i] * x
		nr += x * x
	}
	if nr == 0 {
		return 0, ErrDegenerateVector
	}
	sim := dot / math.Sqrt(nq*nr)
	// Rounding can push |sim| a hair past 1.
	return math.Max(-1, math.Min(1, sim)), nil
}

// norm returns the squared L2 norm of v after validating it.
func norm(v []float64) (float64, error) {
	var sum float64
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, ErrNonFinite
		}
		sum += x * x
	}
	if sum == 0 {
		return 0, ErrDegenerateVector
	}
	return sum, nil
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
