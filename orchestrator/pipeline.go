package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bhashasuraksha/pipeline/blob"
	"github.com/bhashasuraksha/pipeline/cluster"
	"github.com/bhashasuraksha/pipeline/ledger"
	"github.com/bhashasuraksha/pipeline/store"
)

// Deps are the collaborators of a Pipeline. Keywords, Fetch and Ledger are
// optional.
type Deps struct {
	Transcriber Transcriber
	Vectorizer  Vectorizer
	Keywords    KeywordExtractor
	Fetch       Downloader
	Store       store.Store
	Blobs       blob.Store
	Ledger      Ledger
	Engine      *cluster.Engine
}

type Options struct {
	// Only samples whose language confidence is below this are clustered.
	ConfidenceThreshold float64
	// DegradedFallback commits to an in-process store when the primary
	// store is unreachable.
	DegradedFallback bool
	TempDir          string
	Log              logrus.FieldLogger
	Now              func() time.Time
}

type Pipeline struct {
	Deps
	opts     Options
	fallback store.Store
	log      logrus.FieldLogger
}

func NewPipeline(d Deps, opts Options) *Pipeline {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	p := &Pipeline{Deps: d, opts: opts, log: opts.Log.WithField("component", "orchestrator")}
	if opts.DegradedFallback {
		p.fallback = store.NewMemory()
	}
	return p
}

// Fallback is the in-process store used in degraded mode, or nil.
func (p *Pipeline) Fallback() store.Store { return p.fallback }

// Process runs one upload through transcription, embedding, storage and
// clustering. Re-submitting the same audio returns the first result with
// StatusDuplicate.
func (p *Pipeline) Process(ctx context.Context, up Upload) (*Result, error) {
	contentType, err := audioContentType(up.Filename)
	if err != nil {
		return nil, err
	}
	if up.Region == "" {
		up.Region = "Unknown"
	}
	key, err := digest(up.Path)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	log := p.log.WithFields(logrus.Fields{"file": up.Filename, "digest": key[:12]})

	if p.Ledger != nil {
		rec, err := p.Ledger.Lookup(ctx, key)
		switch {
		case err == nil:
			log.WithField("sample_id", rec.SampleID).Info("already processed")
			return fromReceipt(rec), nil
		case !errors.Is(err, ledger.ErrNotFound):
			log.WithError(err).Warn("ledger lookup failed")
		}
	}

	tr, err := p.Transcriber.Transcribe(ctx, up.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: transcribe: %w", ErrUpstream, err)
	}
	emb, err := p.Vectorizer.Vectorize(ctx, up.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: vectorize: %w", ErrUpstream, err)
	}
	if len(emb) == 0 {
		return nil, ErrEmptyEmbedding
	}

	var keywords []string
	if p.Keywords != nil && tr.Text != "" {
		if keywords, err = p.Keywords.Keywords(ctx, tr.Text); err != nil {
			log.WithError(err).Warn("keyword extraction failed")
			keywords = nil
		}
	}

	objKey := objectName(p.opts.Now(), uploadID(), up.Filename)
	if err := p.upload(ctx, objKey, up.Path, contentType); err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}

	sample := &store.Sample{
		FileURL:        p.Blobs.URL(objKey),
		LanguageGuess:  tr.Language,
		Confidence:     tr.Confidence,
		Transcript:     tr.Text,
		Region:         up.Region,
		Lat:            up.Lat,
		Lng:            up.Lng,
		Keywords:       keywords,
		Embedding:      emb,
		IdempotencyKey: key,
	}
	clusterable := tr.Confidence < p.opts.ConfidenceThreshold

	status := StatusProcessed
	c, err := p.commit(ctx, p.Store, sample, clusterable)
	if err != nil && errors.Is(err, store.ErrStoreUnavailable) && p.fallback != nil {
		log.WithError(err).WithField("mode", "degraded").Warn("store unavailable, committing to in-process store")
		status = StatusDegraded
		c, err = p.commit(ctx, p.fallback, sample, clusterable)
	}
	if err != nil || (c.existing != nil && c.existing.FileURL != sample.FileURL) {
		p.discard(ctx, objKey)
	}
	if err != nil {
		return nil, err
	}

	if c.existing != nil {
		log.WithField("sample_id", c.existing.ID).Info("already stored")
		res := fromSample(c.existing, StatusDuplicate)
		p.record(ctx, log, key, res)
		return res, nil
	}

	res := fromSample(sample, status)
	if c.outcome != nil {
		res.IsNewCluster = c.outcome.Created
		if d := c.outcome.Decision; d.Scored {
			score := d.Score
			res.Score = &score
		}
	}
	log.WithFields(logrus.Fields{
		"sample_id":  res.SampleID,
		"cluster_id": res.AssignedClusterID,
		"new":        res.IsNewCluster,
		"confidence": tr.Confidence,
		"mode":       status,
	}).Info("sample processed")

	if status != StatusDegraded {
		p.record(ctx, log, key, res)
	}
	return res, nil
}

func (p *Pipeline) upload(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Blobs.Put(ctx, key, f, contentType)
}

// discard removes an uploaded object that no stored sample points to.
func (p *Pipeline) discard(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.Blobs.Delete(ctx, key); err != nil {
		p.log.WithError(err).WithField("key", key).Warn("failed to delete orphaned audio")
	}
}

func (p *Pipeline) record(ctx context.Context, log logrus.FieldLogger, key string, res *Result) {
	if p.Ledger == nil {
		return
	}
	if err := p.Ledger.Record(ctx, key, toReceipt(res)); err != nil {
		log.WithError(err).Warn("ledger record failed")
	}
}

// Compare ranks stored samples by cosine similarity to the clip at path
// and returns the best topK.
func (p *Pipeline) Compare(ctx context.Context, path string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	emb, err := p.Vectorizer.Vectorize(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: vectorize: %w", ErrUpstream, err)
	}
	if len(emb) == 0 {
		return nil, ErrEmptyEmbedding
	}
	vecs, err := p.Store.SampleVectors(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(vecs))
	for _, v := range vecs {
		sim, err := cluster.CosineSimilarity(emb, v.Embedding)
		if err != nil {
			p.log.WithError(err).WithField("sample_id", v.ID).Debug("skipping sample in comparison")
			continue
		}
		matches = append(matches, Match{SampleID: v.ID, FileURL: v.FileURL, Similarity: sim})
	}
	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.SampleID, b.SampleID)
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// CompareURL downloads the clip at rawURL into the temp dir and compares it.
func (p *Pipeline) CompareURL(ctx context.Context, rawURL string, topK int) ([]Match, error) {
	if p.Fetch == nil {
		return nil, errors.New("comparison by url is not configured")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrBadURL, rawURL)
	}
	dst := filepath.Join(p.opts.TempDir, "compare_"+uuid.NewString()+path.Ext(u.Path))
	defer os.Remove(dst)
	if err := p.Fetch.Download(ctx, rawURL, dst); err != nil {
		return nil, fmt.Errorf("%w: download: %w", ErrUpstream, err)
	}
	return p.Compare(ctx, dst, topK)
}
