package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bhashasuraksha/pipeline/blob"
	"github.com/bhashasuraksha/pipeline/clients"
	cfg "github.com/bhashasuraksha/pipeline/config"
	"github.com/bhashasuraksha/pipeline/cluster"
	"github.com/bhashasuraksha/pipeline/ledger"
	"github.com/bhashasuraksha/pipeline/orchestrator"
	"github.com/bhashasuraksha/pipeline/store"
)

type app struct {
	pipeline *orchestrator.Pipeline
	store    store.Store
	ledger   *ledger.Ledger
	engine   *cluster.Engine
	// filesDir is set for the local blob backend.
	filesDir string
}

func (a *app) Close() {
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func newLogger(level, format string, verbose bool) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("pipeline.log_level: %w", err)
	}
	if verbose {
		lvl = logrus.DebugLevel
	}
	log.SetLevel(lvl)
	return log, nil
}

// build constructs every collaborator of the pipeline from conf.
func build(ctx context.Context, conf *cfg.Root, log *logrus.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.store, err = openStore(ctx, conf, log); err != nil {
		return nil, err
	}

	blobs, err := openBlobs(ctx, conf)
	if err != nil {
		return nil, err
	}
	if local, isLocal := blobs.(*blob.Local); isLocal {
		a.filesDir = local.Root()
	}

	a.ledger, err = ledger.Open(ledger.Options{
		Dir:      conf.Ledger.Dir,
		InMemory: conf.Ledger.InMemory,
		TTL:      conf.Ledger.TTL,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}

	httpc := clients.NewHTTP(clients.Options{
		Timeout: conf.Services.Timeout,
		Retry: clients.RetryConfig{
			MaxRetries:      conf.Services.Retry.MaxRetries,
			InitialInterval: conf.Services.Retry.InitialInterval,
			MaxInterval:     conf.Services.Retry.MaxInterval,
			MaxElapsedTime:  conf.Services.Retry.MaxElapsed,
		},
		Breaker: clients.BreakerConfig{
			MaxRequests:  conf.Services.Breaker.MaxRequests,
			Interval:     conf.Services.Breaker.Interval,
			Timeout:      conf.Services.Breaker.Timeout,
			MinRequests:  conf.Services.Breaker.MinRequests,
			FailureRatio: conf.Services.Breaker.FailureRatio,
		},
		Log: log,
	})

	deps := orchestrator.Deps{
		Vectorizer: clients.EncoderService{HTTP: httpc, URL: conf.Services.Encoder.URL},
		Fetch:      httpc,
		Store:      a.store,
		Blobs:      blobs,
		Ledger:     a.ledger,
	}
	switch conf.Services.ASR.Provider {
	case "openai":
		deps.Transcriber = clients.NewOpenAITranscriber(clients.OpenAIOptions{
			APIKey:     conf.Services.ASR.APIKey,
			BaseURL:    conf.Services.ASR.BaseURL,
			Model:      conf.Services.ASR.Model,
			MaxRetries: conf.Services.Retry.MaxRetries,
		})
	default:
		deps.Transcriber = clients.ASRService{HTTP: httpc, URL: conf.Services.ASR.URL, SampleRate: conf.Audio.SampleRate}
	}
	switch conf.Services.Keywords.Provider {
	case "http":
		deps.Keywords = clients.KeywordService{HTTP: httpc, URL: conf.Services.Keywords.URL, TopN: conf.Services.Keywords.TopN}
	case "gemini":
		g, err := clients.NewGeminiKeywords(ctx, conf.Services.Keywords.APIKey, conf.Services.Keywords.Model, conf.Services.Keywords.TopN)
		if err != nil {
			return nil, err
		}
		deps.Keywords = g
	}

	cl := conf.Clustering
	a.engine = cluster.NewEngine(cluster.PolicyFor(cl.UseDBSCAN, cl.SimilarityThreshold, cl.Eps, cluster.Metric(cl.DensityMetric)), log)
	deps.Engine = a.engine

	a.pipeline = orchestrator.NewPipeline(deps, orchestrator.Options{
		ConfidenceThreshold: cl.ConfidenceThreshold,
		DegradedFallback:    conf.Store.DegradedFallback,
		TempDir:             conf.Paths.Temp,
		Log:                 log,
	})
	ok = true
	return a, nil
}

// openStore connects to Postgres. The in-memory store is only used when
// configured explicitly, or at startup when degraded fallback is enabled.
func openStore(ctx context.Context, conf *cfg.Root, log logrus.FieldLogger) (store.Store, error) {
	if conf.Store.Backend == "memory" {
		log.WithField("mode", "degraded").Warn("store.backend is memory, samples and clusters will not survive a restart")
		return store.NewMemory(), nil
	}
	if conf.Store.DSN == "" {
		return nil, errors.New("store.dsn (or DATABASE_URL) is required; set store.backend to memory to run without a database")
	}
	pg, err := store.Open(ctx, store.Options{
		DSN:             conf.Store.DSN,
		MaxOpenConns:    conf.Store.MaxOpenConns,
		MaxIdleConns:    conf.Store.MaxIdleConns,
		ConnMaxLifetime: conf.Store.ConnMaxLifetime,
		LockKey:         conf.Store.LockKey,
	}, log)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) && conf.Store.DegradedFallback {
			log.WithError(err).WithField("mode", "degraded").Warn("postgres unreachable at startup, using the in-memory store")
			return store.NewMemory(), nil
		}
		return nil, err
	}
	return pg, nil
}

func openBlobs(ctx context.Context, conf *cfg.Root) (blob.Store, error) {
	switch conf.Blob.Backend {
	case "s3":
		s := conf.Blob.S3
		return blob.NewS3FromOptions(ctx, blob.S3Options{
			Bucket:    s.Bucket,
			Region:    s.Region,
			Endpoint:  s.Endpoint,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Prefix:    s.Prefix,
			PublicURL: s.PublicURL,
		})
	default:
		return blob.NewLocal(conf.Blob.Dir, conf.Blob.BaseURL)
	}
}
