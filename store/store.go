// Package store persists clusters and the samples assigned to them.
//
// Writes go through InTx, which runs a unit of work that excludes every
// other unit of work on the same database; reads go through Catalog and see
// committed state only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bhashasuraksha/pipeline/cluster"
)

var (
	// ErrNotFound is returned when a sample or cluster does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStoreUnavailable marks failures to reach the backing database.
	ErrStoreUnavailable = errors.New("store: unavailable")
)

// Sample is one processed clip.
type Sample struct {
	ID             int64     `json:"id"`
	FileURL        string    `json:"file_url"`
	LanguageGuess  string    `json:"language_guess"`
	Confidence     float64   `json:"confidence"`
	Transcript     string    `json:"transcript"`
	Region         string    `json:"region"`
	Lat            *float64  `json:"lat"`
	Lng            *float64  `json:"lng"`
	Keywords       []string  `json:"keywords"`
	Embedding      []float64 `json:"embedding,omitempty"`
	ClusterID      *int64    `json:"cluster_id"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// SampleFilter narrows ListSamples. ClusterID and Unclustered are mutually
// exclusive; a zero Limit means no limit.
type SampleFilter struct {
	Limit       int
	Offset      int
	ClusterID   *int64
	Unclustered bool
}

// SampleVector is the projection used for similarity search.
type SampleVector struct {
	ID        int64
	FileURL   string
	Embedding []float64
}

// Tx is the write side available inside InTx.
type Tx interface {
	cluster.Store
	CreateSample(ctx context.Context, s *Sample) (int64, error)
	SampleByKey(ctx context.Context, key string) (*Sample, error)
}

// Catalog is the read side.
type Catalog interface {
	ListSamples(ctx context.Context, f SampleFilter) ([]Sample, error)
	GetSample(ctx context.Context, id int64) (*Sample, error)
	SampleVectors(ctx context.Context) ([]SampleVector, error)
	ListClusters(ctx context.Context) ([]cluster.Cluster, error)
	GetCluster(ctx context.Context, id int64) (*cluster.Cluster, error)
	Ping(ctx context.Context) error
}

// Store is a Catalog with a serialized write path.
type Store interface {
	Catalog
	// InTx runs fn in one transaction. Either every write fn makes is
	// committed or none is.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
