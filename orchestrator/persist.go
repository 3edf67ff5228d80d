package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/bhashasuraksha/pipeline/cluster"
	"github.com/bhashasuraksha/pipeline/ledger"
	"github.com/bhashasuraksha/pipeline/store"
)

type committed struct {
	// existing is set when a sample with the same digest was already stored.
	existing *store.Sample
	outcome  *cluster.Outcome
}

// commit stores s, clustering emb first when clusterable. The cluster
// decision and the sample insert share one unit of work, so a sample never
// references a cluster that was rolled back.
func (p *Pipeline) commit(ctx context.Context, st store.Store, s *store.Sample, clusterable bool) (committed, error) {
	var c committed
	err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c = committed{}
		s.ID, s.ClusterID = 0, nil

		prev, err := tx.SampleByKey(ctx, s.IdempotencyKey)
		if err == nil {
			c.existing = prev
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if clusterable {
			out, err := p.Engine.Observe(ctx, tx, s.Embedding)
			if err != nil {
				return err
			}
			id := out.ClusterID
			s.ClusterID = &id
			c.outcome = &out
		}
		s.ID, err = tx.CreateSample(ctx, s)
		return err
	})
	return c, err
}

func fromSample(s *store.Sample, status Status) *Result {
	return &Result{
		Status:            status,
		SampleID:          s.ID,
		Transcript:        s.Transcript,
		DetectedLanguage:  s.LanguageGuess,
		Confidence:        s.Confidence,
		AssignedClusterID: s.ClusterID,
		FileURL:           s.FileURL,
		Keywords:          orEmpty(s.Keywords),
	}
}

func toReceipt(r *Result) ledger.Receipt {
	return ledger.Receipt{
		SampleID:     r.SampleID,
		ClusterID:    r.AssignedClusterID,
		IsNewCluster: r.IsNewCluster,
		Transcript:   r.Transcript,
		Language:     r.DetectedLanguage,
		Confidence:   r.Confidence,
		FileURL:      r.FileURL,
		Keywords:     r.Keywords,
		RecordedAt:   time.Now().UTC(),
	}
}

// fromReceipt rebuilds a result for a digest seen before. The cluster
// decision is not repeated, so IsNewCluster is always false.
func fromReceipt(r *ledger.Receipt) *Result {
	return &Result{
		Status:            StatusDuplicate,
		SampleID:          r.SampleID,
		Transcript:        r.Transcript,
		DetectedLanguage:  r.Language,
		Confidence:        r.Confidence,
		AssignedClusterID: r.ClusterID,
		FileURL:           r.FileURL,
		Keywords:          orEmpty(r.Keywords),
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
