package cluster

import (
	"errors"
	"fmt"
)

// ErrInvalidCount is returned for a negative sample count.
var ErrInvalidCount = errors.New("cluster: invalid sample count")

// UpdateCentroid folds emb into a centroid that currently averages count
// embeddings:
//
//	new[i] = (old[i]*count + emb[i]) / (count+1)
//
// With count == 0 the result is a copy of emb and old may be empty. The
// inputs are never modified.
func UpdateCentroid(old []float64, count int, emb []float64) ([]float64, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if !finite(emb) {
		return nil, ErrNonFinite
	}
	if count == 0 && len(old) == 0 {
		out := make([]float64, len(emb))
		copy(out, emb)
		return out, nil
	}
	if len(old) != len(emb) {
		return nil, fmt.Errorf("%w: centroid %d, embedding %d", ErrDimensionMismatch, len(old), len(emb))
	}
	if count == 0 {
		out := make([]float64, len(emb))
		copy(out, emb)
		return out, nil
	}

	n := float64(count)
	out := make([]float64, len(old))
	for i := range old {
		out[i] = (old[i]*n + emb[i]) / (n + 1)
	}
	return out, nil
}

// Mean returns the element-wise arithmetic mean of vectors.
func Mean(vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, errors.New("cluster: mean of no vectors")
	}
	dim := len(vectors[0])
	out := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(v), dim)
		}
		for i, x := range v {
			out[i] += x
		}
	}
	n := float64(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out, nil
}
