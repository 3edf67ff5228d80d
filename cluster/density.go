package cluster

import (
	"errors"
	"fmt"
	"math"
)

// Metric selects the distance used by DensityPolicy.
type Metric string

const (
	Euclidean Metric = "euclidean"
	Cosine    Metric = "cosine"
)

// DefaultEps is the density radius used when none is configured.
const DefaultEps = 5.0

// DensityPolicy treats the new embedding and all centroids as one point set
// and runs DBSCAN over it with a minimum of one sample per cluster, so every
// point is a core point and clusters are the eps-connected components. When
// the embedding's component holds centroids, the nearest of them wins.
//
// The point set grows with the number of clusters and the scan is quadratic
// in it; use SimilarityPolicy unless density chaining is wanted.
type DensityPolicy struct {
	Eps    float64
	Metric Metric
}

func (DensityPolicy) Name() string { return "density" }

func (p DensityPolicy) Assign(emb []float64, clusters []Cluster) (Decision, error) {
	if len(clusters) == 0 {
		return Decision{Measure: MeasureDistance}, nil
	}
	dist, err := p.distance()
	if err != nil {
		return Decision{}, err
	}
	if len(emb) == 0 {
		return Decision{}, fmt.Errorf("%w: empty embedding", ErrDimensionMismatch)
	}
	if !finite(emb) {
		return Decision{}, ErrNonFinite
	}
	if p.Metric == Cosine {
		if _, err := norm(emb); err != nil {
			return Decision{}, err
		}
	}

	points := make([][]float64, 0, len(clusters)+1)
	for _, c := range clusters {
		if err := p.check(c.Centroid, len(emb)); err != nil {
			return Decision{}, &IntegrityError{ClusterID: c.ID, Err: err}
		}
		points = append(points, c.Centroid)
	}
	points = append(points, emb)
	q := len(points) - 1

	labels := dbscan(points, p.Eps, 1, dist)

	d := Decision{Measure: MeasureDistance, Scored: true, Score: math.Inf(1)}
	best := -1
	for i, c := range clusters {
		di := dist(emb, c.Centroid)
		if labels[i] != labels[q] {
			if best < 0 && di < d.Score {
				d.Score = di
			}
			continue
		}
		if best < 0 || di < d.Score || (di == d.Score && c.ID < clusters[best].ID) {
			best = i
			d.Score = di
		}
	}
	if best >= 0 {
		d.ClusterID = clusters[best].ID
		d.Matched = true
	}
	return d, nil
}

func (p DensityPolicy) distance() (func(a, b []float64) float64, error) {
	if p.Eps <= 0 || math.IsNaN(p.Eps) {
		return nil, fmt.Errorf("cluster: density eps must be positive, got %v", p.Eps)
	}
	switch p.Metric {
	case Euclidean, "":
		return euclidean, nil
	case Cosine:
		return func(a, b []float64) float64 {
			d, _ := CosineDistance(a, b)
			return d
		}, nil
	default:
		return nil, fmt.Errorf("cluster: unknown density metric %q", p.Metric)
	}
}

func (p DensityPolicy) check(c []float64, dim int) error {
	if len(c) != dim {
		return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(c), dim)
	}
	if !finite(c) {
		return ErrNonFinite
	}
	if p.Metric == Cosine {
		if _, err := norm(c); errors.Is(err, ErrDegenerateVector) {
			return err
		}
	}
	return nil
}

// dbscan labels each point with a cluster number starting at 1; -1 marks
// noise. Neighbourhoods include the point itself, so with minPts=1 every
// point is a core point: nothing is noise and the labels are exactly the
// connected components of the "within eps" graph. DensityPolicy relies on
// this to let a new point chain through centroids.
func dbscan(points [][]float64, eps float64, minPts int, dist func(a, b []float64) float64) []int {
	n := len(points)
	if n == 0 {
		return nil
	}

	const (
		undefined = 0
		noise     = -1
	)

	labels := make([]int, n)
	clusterID := 0

	for i := 0; i < n; i++ {
		if labels[i] != undefined {
			continue
		}

		neighbors := rangeQuery(points, i, eps, dist)
		if len(neighbors) < minPts {
			labels[i] = noise
			continue
		}

		clusterID++
		labels[i] = clusterID

		seed := make([]int, 0, len(neighbors))
		for _, j := range neighbors {
			if j != i {
				seed = append(seed, j)
			}
		}

		for len(seed) > 0 {
			q := seed[0]
			seed = seed[1:]

			if labels[q] == noise {
				labels[q] = clusterID
			}
			if labels[q] != undefined {
				continue
			}
			labels[q] = clusterID

			qNeighbors := rangeQuery(points, q, eps, dist)
			if len(qNeighbors) >= minPts {
				seed = append(seed, qNeighbors...)
			}
		}
	}

	return labels
}

func rangeQuery(points [][]float64, idx int, eps float64, dist func(a, b []float64) float64) []int {
	var result []int
	q := points[idx]
	for i, v := range points {
		if dist(q, v) <= eps {
			result = append(result, i)
		}
	}
	return result
}
