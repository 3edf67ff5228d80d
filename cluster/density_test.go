package cluster

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBSCANMinSamplesOneIsConnectedComponents(t *testing.T) {
	points := [][]float64{
		{0, 0}, {1, 0}, {2, 0}, // chain, each step 1
		{10, 0}, {10.5, 0},
		{50, 50},
	}
	labels := dbscan(points, 1, 1, euclidean)

	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[1], labels[2])
	assert.Equal(t, labels[3], labels[4])
	assert.NotEqual(t, labels[0], labels[3])
	assert.NotEqual(t, labels[3], labels[5])
	for _, l := range labels {
		assert.Positive(t, l, "min samples 1 leaves no noise")
	}
}

func TestDBSCANNoise(t *testing.T) {
	rng := rand.New(rand.NewPCG(99, 0))
	var points [][]float64
	for range 8 {
		points = append(points, []float64{rng.NormFloat64() * 0.05, rng.NormFloat64() * 0.05})
	}
	points = append(points, []float64{100, 100}, []float64{-100, 100})

	labels := dbscan(points, 0.5, 2, euclidean)
	for i := range 8 {
		assert.Equal(t, labels[0], labels[i])
	}
	assert.Equal(t, -1, labels[8])
	assert.Equal(t, -1, labels[9])
}

func TestDensityPolicyEmpty(t *testing.T) {
	d, err := DensityPolicy{Eps: DefaultEps}.Assign([]float64{1, 2}, nil)
	require.NoError(t, err)
	assert.False(t, d.Matched)
}

func TestDensityPolicyJoinsWithinEps(t *testing.T) {
	p := DensityPolicy{Eps: 5, Metric: Euclidean}
	clusters := []Cluster{
		{ID: 1, Centroid: []float64{0, 0}},
		{ID: 2, Centroid: []float64{100, 0}},
	}

	d, err := p.Assign([]float64{3, 0}, clusters)
	require.NoError(t, err)
	assert.True(t, d.Matched)
	assert.Equal(t, int64(1), d.ClusterID)
	assert.Equal(t, MeasureDistance, d.Measure)
	assert.InDelta(t, 3.0, d.Score, 1e-12)

	d, err = p.Assign([]float64{50, 0}, clusters)
	require.NoError(t, err)
	assert.False(t, d.Matched)
	assert.InDelta(t, 50.0, d.Score, 1e-12)
}

func TestDensityPolicyChainsThroughCentroids(t *testing.T) {
	p := DensityPolicy{Eps: 5, Metric: Euclidean}
	clusters := []Cluster{
		{ID: 1, Centroid: []float64{0, 0}},
		{ID: 2, Centroid: []float64{4, 0}},
	}
	// 8 is out of reach of centroid 1 but chained to it via centroid 2; the
	// nearest member of the component wins.
	d, err := p.Assign([]float64{8, 0}, clusters)
	require.NoError(t, err)
	assert.True(t, d.Matched)
	assert.Equal(t, int64(2), d.ClusterID)
}

func TestDensityPolicyTieBreak(t *testing.T) {
	p := DensityPolicy{Eps: 5}
	clusters := []Cluster{
		{ID: 8, Centroid: []float64{2, 0}},
		{ID: 3, Centroid: []float64{-2, 0}},
	}
	d, err := p.Assign([]float64{0, 0}, clusters)
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.ClusterID)
}

func TestDensityPolicyCosine(t *testing.T) {
	p := DensityPolicy{Eps: 0.2, Metric: Cosine}
	clusters := []Cluster{
		{ID: 1, Centroid: []float64{1, 0, 0}},
		{ID: 2, Centroid: []float64{0, 1, 0}},
	}
	d, err := p.Assign([]float64{10, 1, 0}, clusters)
	require.NoError(t, err)
	assert.True(t, d.Matched)
	assert.Equal(t, int64(1), d.ClusterID)

	_, err = p.Assign([]float64{0, 0, 0}, clusters)
	assert.ErrorIs(t, err, ErrDegenerateVector)

	_, err = p.Assign([]float64{1, 0, 0}, []Cluster{{ID: 4, Centroid: []float64{0, 0, 0}}})
	assert.ErrorIs(t, err, ErrDataIntegrity)
}

func TestDensityPolicyErrors(t *testing.T) {
	clusters := []Cluster{{ID: 1, Centroid: []float64{0, 0, 0}}}

	_, err := DensityPolicy{Eps: 5}.Assign([]float64{1, 2, 3, 4}, clusters)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorIs(t, err, ErrDataIntegrity)

	_, err = DensityPolicy{Eps: 0}.Assign([]float64{1, 2, 3}, clusters)
	assert.Error(t, err)

	_, err = DensityPolicy{Eps: 1, Metric: "manhattan"}.Assign([]float64{1, 2, 3}, clusters)
	assert.Error(t, err)
}
