package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-package Store used to drive Engine.
type fakeStore struct {
	clusters []Cluster
	nextID   int64
	listErr  error
	updates  int
}

func (f *fakeStore) ListClusters(context.Context) ([]Cluster, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Cluster, len(f.clusters))
	copy(out, f.clusters)
	return out, nil
}

func (f *fakeStore) CreateCluster(_ context.Context, centroid []float64) (int64, error) {
	f.nextID++
	f.clusters = append(f.clusters, Cluster{ID: f.nextID, Centroid: append([]float64(nil), centroid...), SampleCount: 1})
	return f.nextID, nil
}

func (f *fakeStore) UpdateCluster(_ context.Context, id int64, centroid []float64, count int) error {
	for i := range f.clusters {
		if f.clusters[i].ID == id {
			f.clusters[i].Centroid = centroid
			f.clusters[i].SampleCount = count
			f.updates++
			return nil
		}
	}
	return errors.New("no such cluster")
}

func newTestEngine() *Engine {
	return NewEngine(SimilarityPolicy{Threshold: 0.85}, nil)
}

func TestEngineJoinIdenticalEmbedding(t *testing.T) {
	s := &fakeStore{clusters: []Cluster{{ID: 1, Centroid: []float64{1, 0, 0}, SampleCount: 1}}, nextID: 1}

	out, err := newTestEngine().Observe(context.Background(), s, []float64{1, 0, 0})
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, int64(1), out.ClusterID)
	assert.Equal(t, 2, out.SampleCount)

	require.Len(t, s.clusters, 1)
	assert.Equal(t, []float64{1, 0, 0}, s.clusters[0].Centroid)
	assert.Equal(t, 2, s.clusters[0].SampleCount)
}

func TestEngineOrthogonalCreatesCluster(t *testing.T) {
	s := &fakeStore{clusters: []Cluster{{ID: 1, Centroid: []float64{1, 0, 0}, SampleCount: 1}}, nextID: 1}

	out, err := newTestEngine().Observe(context.Background(), s, []float64{0, 1, 0})
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, int64(2), out.ClusterID)
	assert.InDelta(t, 0.0, out.Decision.Score, 1e-12)

	require.Len(t, s.clusters, 2)
	assert.Equal(t, []float64{0, 1, 0}, s.clusters[1].Centroid)
	assert.Equal(t, 1, s.clusters[1].SampleCount)
	assert.Equal(t, 1, s.clusters[0].SampleCount, "the existing cluster is untouched")
	assert.Zero(t, s.updates)
}

func TestEngineBootstrap(t *testing.T) {
	s := &fakeStore{}
	emb := []float64{0.3, -0.7, 0.2}

	out, err := newTestEngine().Observe(context.Background(), s, emb)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.False(t, out.Decision.Scored)
	require.Len(t, s.clusters, 1)
	assert.Equal(t, emb, s.clusters[0].Centroid)
	assert.Equal(t, 1, s.clusters[0].SampleCount)
}

func TestEngineSequentialJoinsKeepMean(t *testing.T) {
	s := &fakeStore{}
	e := NewEngine(SimilarityPolicy{Threshold: 0.5}, nil)
	ctx := context.Background()

	for _, emb := range [][]float64{{1, 0.1}, {1, -0.1}, {1, 0.3}} {
		_, err := e.Observe(ctx, s, emb)
		require.NoError(t, err)
	}
	require.Len(t, s.clusters, 1)
	assert.Equal(t, 3, s.clusters[0].SampleCount)
	assert.InDelta(t, 1.0, s.clusters[0].Centroid[0], 1e-12)
	assert.InDelta(t, 0.1, s.clusters[0].Centroid[1], 1e-12)
}

func TestEngineSurfacesIntegrityErrors(t *testing.T) {
	s := &fakeStore{clusters: []Cluster{
		{ID: 1, Centroid: []float64{1, 0, 0, 0}, SampleCount: 3},
		{ID: 2, Centroid: []float64{1, 0, 0}, SampleCount: 1},
	}, nextID: 2}

	_, err := newTestEngine().Observe(context.Background(), s, []float64{1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorIs(t, err, ErrDataIntegrity)
	assert.Len(t, s.clusters, 2, "no cluster is created on a failed decision")
	assert.Zero(t, s.updates)
}

func TestEnginePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	s := &fakeStore{listErr: boom}

	_, err := newTestEngine().Observe(context.Background(), s, []float64{1, 0})
	assert.ErrorIs(t, err, boom)
}

func TestEngineDensityPolicy(t *testing.T) {
	s := &fakeStore{clusters: []Cluster{{ID: 1, Centroid: []float64{0, 0}, SampleCount: 1}}, nextID: 1}
	e := NewEngine(DensityPolicy{Eps: 5, Metric: Euclidean}, nil)

	out, err := e.Observe(context.Background(), s, []float64{2, 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.ClusterID)
	assert.Equal(t, []float64{1, 0}, s.clusters[0].Centroid)

	out, err = e.Observe(context.Background(), s, []float64{40, 0})
	require.NoError(t, err)
	assert.True(t, out.Created)
}

func TestEngineExposesPolicy(t *testing.T) {
	assert.Equal(t, "similarity", NewEngine(SimilarityPolicy{Threshold: .85}, nil).Policy().Name())
	assert.Equal(t, "density", NewEngine(PolicyFor(true, .85, DefaultEps, Euclidean), nil).Policy().Name())
}
