package orchestrator

import (
	"context"
	"errors"

	"github.com/bhashasuraksha/pipeline/clients"
	"github.com/bhashasuraksha/pipeline/ledger"
)

var (
	ErrNotAudio       = errors.New("file must be an audio file")
	ErrEmptyEmbedding = errors.New("encoder returned an empty embedding")
	ErrBadURL         = errors.New("file_url must be an http or https url")
	// ErrUpstream wraps failures of the transcription and encoder services.
	ErrUpstream = errors.New("upstream service failed")
)

type Transcriber interface {
	Transcribe(ctx context.Context, path string) (*clients.Transcription, error)
}

type Vectorizer interface {
	Vectorize(ctx context.Context, path string) ([]float64, error)
}

type KeywordExtractor interface {
	Keywords(ctx context.Context, text string) ([]string, error)
}

type Downloader interface {
	Download(ctx context.Context, url, dst string) error
}

// Ledger remembers the result for each audio digest. *ledger.Ledger
// satisfies it.
type Ledger interface {
	Lookup(ctx context.Context, key string) (*ledger.Receipt, error)
	Record(ctx context.Context, key string, r ledger.Receipt) error
}

// Upload is one audio clip waiting to be processed. Path is a local file
// owned by the caller.
type Upload struct {
	Path     string
	Filename string
	Region   string
	Lat      *float64
	Lng      *float64
}

type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	// StatusDegraded means the sample only reached the in-process store.
	StatusDegraded Status = "degraded"
)

type Result struct {
	Status            Status   `json:"status"`
	SampleID          int64    `json:"sample_id"`
	Transcript        string   `json:"transcript"`
	DetectedLanguage  string   `json:"detected_language"`
	Confidence        float64  `json:"confidence"`
	AssignedClusterID *int64   `json:"assigned_cluster_id"`
	IsNewCluster      bool     `json:"is_new_cluster"`
	Score             *float64 `json:"score,omitempty"`
	FileURL           string   `json:"file_url"`
	Keywords          []string `json:"keywords"`
}

// Match is one stored sample ranked against a query clip.
type Match struct {
	SampleID   int64   `json:"sample_id"`
	FileURL    string  `json:"file_url"`
	Similarity float64 `json:"similarity"`
}
