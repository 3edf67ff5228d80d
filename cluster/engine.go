package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Outcome is what Observe committed for one embedding.
type Outcome struct {
	ClusterID   int64
	Created     bool
	SampleCount int
	Decision    Decision
}

// Engine applies a Policy and commits its decision.
type Engine struct {
	policy Policy
	log    logrus.FieldLogger
}

// NewEngine returns an Engine using policy. A nil log discards output.
func NewEngine(policy Policy, log logrus.FieldLogger) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Engine{policy: policy, log: log.WithField("component", "cluster")}
}

// Policy returns the engine's assignment policy.
func (e *Engine) Policy() Policy { return e.policy }

// Observe assigns emb to a cluster in s: it either folds emb into the chosen
// cluster's centroid and bumps its count, or creates a new cluster seeded
// with emb and a count of 1.
//
// s must be scoped to a single transaction that excludes concurrent
// observers; Observe does not lock anything itself.
func (e *Engine) Observe(ctx context.Context, s Store, emb []float64) (Outcome, error) {
	clusters, err := s.ListClusters(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("list clusters: %w", err)
	}

	d, err := e.policy.Assign(emb, clusters)
	if err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			e.log.WithField("cluster_id", ie.ClusterID).WithError(ie.Err).Warn("stored centroid is malformed; aborting decision")
		}
		return Outcome{}, err
	}

	if !d.Matched {
		id, err := s.CreateCluster(ctx, emb)
		if err != nil {
			return Outcome{}, fmt.Errorf("create cluster: %w", err)
		}
		fields := logrus.Fields{"cluster_id": id, "policy": e.policy.Name(), "clusters": len(clusters)}
		if d.Scored {
			fields["closest"] = d.Score
		}
		e.log.WithFields(fields).Info("no matching cluster, created new cluster")
		return Outcome{ClusterID: id, Created: true, SampleCount: 1, Decision: d}, nil
	}

	var match *Cluster
	for i := range clusters {
		if clusters[i].ID == d.ClusterID {
			match = &clusters[i]
			break
		}
	}
	if match == nil {
		return Outcome{}, fmt.Errorf("cluster: policy chose unknown cluster %d", d.ClusterID)
	}

	centroid, err := UpdateCentroid(match.Centroid, match.SampleCount, emb)
	if err != nil {
		return Outcome{}, &IntegrityError{ClusterID: match.ID, Err: err}
	}
	count := match.SampleCount + 1
	if err := s.UpdateCluster(ctx, match.ID, centroid, count); err != nil {
		return Outcome{}, fmt.Errorf("update cluster %d: %w", match.ID, err)
	}

	e.log.WithFields(logrus.Fields{
		"cluster_id":   match.ID,
		"policy":       e.policy.Name(),
		"score":        d.Score,
		"sample_count": count,
	}).Info("joined cluster")
	return Outcome{ClusterID: match.ID, SampleCount: count, Decision: d}, nil
}
