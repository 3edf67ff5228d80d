// Package cluster groups embeddings online: each new embedding either joins
// the existing cluster whose centroid it is closest to or seeds a new one.
//
// Only centroids are compared, never historical members, so a decision costs
// O(N·D) for N clusters of dimension D. A centroid is the running mean of the
// embeddings that joined it; see [UpdateCentroid].
//
// # Usage
//
//	policy := cluster.PolicyFor(false, 0.85, 5, cluster.Euclidean)
//	engine := cluster.NewEngine(policy, log)
//
//	// Inside one store transaction:
//	out, err := engine.Observe(ctx, tx, embedding)
//
// Policies are advisory and never touch the store; [Engine.Observe] commits
// the join-or-create outcome through the [Store] it is given.
package cluster

import (
	"context"
	"errors"
	"time"
)

// Cluster is a stored group of similar embeddings.
type Cluster struct {
	ID          int64
	Centroid    []float64
	SampleCount int
	CreatedAt   time.Time
}

// Measure names what a Decision's Score holds.
type Measure string

const (
	MeasureSimilarity Measure = "cosine_similarity"
	MeasureDistance   Measure = "distance"
)

// Decision is the outcome of one assignment. When Matched is false the
// caller creates a new cluster. Score is the best score seen, if any cluster
// was compared.
type Decision struct {
	ClusterID int64
	Matched   bool
	Score     float64
	Scored    bool
	Measure   Measure
}

// Policy decides which existing cluster, if any, an embedding belongs to.
type Policy interface {
	Assign(emb []float64, clusters []Cluster) (Decision, error)
	Name() string
}

// Store is the cluster store accessor used by [Engine]. UpdateCluster must
// write centroid and count together.
type Store interface {
	ListClusters(ctx context.Context) ([]Cluster, error)
	CreateCluster(ctx context.Context, centroid []float64) (int64, error)
	UpdateCluster(ctx context.Context, id int64, centroid []float64, count int) error
}

// DefaultSimilarityThreshold is the minimum cosine similarity to join a
// cluster.
const DefaultSimilarityThreshold = 0.85

// SimilarityPolicy joins the cluster with the highest cosine similarity when
// that similarity reaches Threshold. Ties go to the lowest cluster ID.
type SimilarityPolicy struct {
	Threshold float64
}

func (SimilarityPolicy) Name() string { return "similarity" }

func (p SimilarityPolicy) Assign(emb []float64, clusters []Cluster) (Decision, error) {
	if len(clusters) == 0 {
		return Decision{Measure: MeasureSimilarity}, nil
	}

	refs := make([][]float64, len(clusters))
	for i, c := range clusters {
		refs[i] = c.Centroid
	}
	sims, err := Similarities(emb, refs)
	if err != nil {
		var re *RefError
		if errors.As(err, &re) {
			return Decision{}, &IntegrityError{ClusterID: clusters[re.Index].ID, Err: re.Err}
		}
		return Decision{}, err
	}

	best := 0
	for i := 1; i < len(clusters); i++ {
		if sims[i] > sims[best] || (sims[i] == sims[best] && clusters[i].ID < clusters[best].ID) {
			best = i
		}
	}

	d := Decision{Score: sims[best], Scored: true, Measure: MeasureSimilarity}
	if sims[best] >= p.Threshold {
		d.ClusterID = clusters[best].ID
		d.Matched = true
	}
	return d, nil
}

// PolicyFor picks the density policy when useDBSCAN is set and the
// similarity-threshold policy otherwise.
func PolicyFor(useDBSCAN bool, threshold, eps float64, metric Metric) Policy {
	if useDBSCAN {
		return DensityPolicy{Eps: eps, Metric: metric}
	}
	return SimilarityPolicy{Threshold: threshold}
}
