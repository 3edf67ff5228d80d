package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bhashasuraksha/pipeline/cluster"
)

// Memory is a process-local Store. InTx holds a mutex for the whole unit of
// work and restores a snapshot when fn fails.
type Memory struct {
	mu          sync.Mutex
	clusters    []cluster.Cluster
	samples     []Sample
	nextCluster int64
	nextSample  int64
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Close() error { return nil }

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	clusters := slices.Clone(m.clusters)
	samples := slices.Clone(m.samples)
	nc, ns := m.nextCluster, m.nextSample

	rollback := func() {
		m.clusters, m.samples = clusters, samples
		m.nextCluster, m.nextSample = nc, ns
	}
	defer func() {
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, memTx{m}); err != nil {
		rollback()
		return err
	}
	return nil
}

func (m *Memory) ListClusters(context.Context) ([]cluster.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listClusters(), nil
}

func (m *Memory) GetCluster(_ context.Context, id int64) (*cluster.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clusters {
		if c.ID == id {
			c.Centroid = slices.Clone(c.Centroid)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("cluster %d: %w", id, ErrNotFound)
}

func (m *Memory) ListSamples(_ context.Context, f SampleFilter) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Sample
	for _, s := range m.samples {
		switch {
		case f.ClusterID != nil && (s.ClusterID == nil || *s.ClusterID != *f.ClusterID):
			continue
		case f.Unclustered && s.ClusterID != nil:
			continue
		}
		out = append(out, cloneSample(s))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Sample{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	if out == nil {
		out = []Sample{}
	}
	return out, nil
}

func (m *Memory) GetSample(_ context.Context, id int64) (*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.samples {
		if s.ID == id {
			c := cloneSample(s)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("sample: %w", ErrNotFound)
}

func (m *Memory) SampleVectors(context.Context) ([]SampleVector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SampleVector
	for _, s := range m.samples {
		if len(s.Embedding) == 0 {
			continue
		}
		out = append(out, SampleVector{ID: s.ID, FileURL: s.FileURL, Embedding: slices.Clone(s.Embedding)})
	}
	return out, nil
}

func (m *Memory) listClusters() []cluster.Cluster {
	out := make([]cluster.Cluster, len(m.clusters))
	for i, c := range m.clusters {
		c.Centroid = slices.Clone(c.Centroid)
		out[i] = c
	}
	return out
}

// memTx runs with m.mu held by InTx.
type memTx struct{ m *Memory }

func (t memTx) ListClusters(context.Context) ([]cluster.Cluster, error) {
	return t.m.listClusters(), nil
}

func (t memTx) CreateCluster(_ context.Context, centroid []float64) (int64, error) {
	t.m.nextCluster++
	t.m.clusters = append(t.m.clusters, cluster.Cluster{
		ID:          t.m.nextCluster,
		Centroid:    slices.Clone(centroid),
		SampleCount: 1,
		CreatedAt:   time.Now().UTC(),
	})
	return t.m.nextCluster, nil
}

func (t memTx) UpdateCluster(_ context.Context, id int64, centroid []float64, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: %d", cluster.ErrInvalidCount, count)
	}
	for i := range t.m.clusters {
		if t.m.clusters[i].ID == id {
			t.m.clusters[i].Centroid = slices.Clone(centroid)
			t.m.clusters[i].SampleCount = count
			return nil
		}
	}
	return fmt.Errorf("cluster %d: %w", id, ErrNotFound)
}

func (t memTx) CreateSample(_ context.Context, s *Sample) (int64, error) {
	if s.ClusterID != nil && !t.m.hasCluster(*s.ClusterID) {
		return 0, fmt.Errorf("sample references cluster %d: %w", *s.ClusterID, ErrNotFound)
	}
	if s.IdempotencyKey != "" {
		for _, o := range t.m.samples {
			if o.IdempotencyKey == s.IdempotencyKey {
				return 0, fmt.Errorf("duplicate idempotency key %q", s.IdempotencyKey)
			}
		}
	}
	t.m.nextSample++
	s.ID = t.m.nextSample
	s.CreatedAt = time.Now().UTC()
	t.m.samples = append(t.m.samples, cloneSample(*s))
	return s.ID, nil
}

func (t memTx) SampleByKey(_ context.Context, key string) (*Sample, error) {
	for _, s := range t.m.samples {
		if key != "" && s.IdempotencyKey == key {
			c := cloneSample(s)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("sample: %w", ErrNotFound)
}

func (m *Memory) hasCluster(id int64) bool {
	for _, c := range m.clusters {
		if c.ID == id {
			return true
		}
	}
	return false
}

func cloneSample(s Sample) Sample {
	s.Embedding = slices.Clone(s.Embedding)
	s.Keywords = slices.Clone(s.Keywords)
	if s.ClusterID != nil {
		id := *s.ClusterID
		s.ClusterID = &id
	}
	if s.Lat != nil {
		v := *s.Lat
		s.Lat = &v
	}
	if s.Lng != nil {
		v := *s.Lng
		s.Lng = &v
	}
	return s
}
