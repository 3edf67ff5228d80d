package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhashasuraksha/pipeline/blob"
	"github.com/bhashasuraksha/pipeline/clients"
	"github.com/bhashasuraksha/pipeline/cluster"
	"github.com/bhashasuraksha/pipeline/orchestrator"
	"github.com/bhashasuraksha/pipeline/store"
)

func init() { gin.SetMode(gin.TestMode) }

type stubASR struct{ err error }

func (s stubASR) Transcribe(context.Context, string) (*clients.Transcription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &clients.Transcription{Text: "vanakkam", Language: "unknown", Confidence: 0.3}, nil
}

type stubEncoder struct{}

func (stubEncoder) Vectorize(context.Context, string) ([]float64, error) {
	return []float64{1, 0}, nil
}

type downCatalog struct{ store.Catalog }

func (downCatalog) Ping(context.Context) error {
	return fmt.Errorf("ping: %w", store.ErrStoreUnavailable)
}

type fixture struct {
	srv   *Server
	h     http.Handler
	store *store.Memory
}

func newFixture(t *testing.T, mutate func(*orchestrator.Deps, *Options)) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	mem := store.NewMemory()
	blobs, err := blob.NewLocal(t.TempDir(), "http://localhost/files")
	require.NoError(t, err)

	deps := orchestrator.Deps{
		Transcriber: stubASR{},
		Vectorizer:  stubEncoder{},
		Store:       mem,
		Blobs:       blobs,
		Engine:      cluster.NewEngine(cluster.SimilarityPolicy{Threshold: 0.85}, log),
	}
	opts := Options{
		Service:   "test",
		TempDir:   t.TempDir(),
		FilesDir:  blobs.Root(),
		CacheSize: 8,
		Log:       log,
	}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	pipe := orchestrator.NewPipeline(deps, orchestrator.Options{ConfidenceThreshold: 0.75, TempDir: opts.TempDir, Log: log})
	srv, err := New(pipe, mem, opts)
	require.NoError(t, err)
	return &fixture{srv: srv, h: srv.Handler(), store: mem}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	lat, lng := 13.08, 80.27
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		cid, err := tx.CreateCluster(ctx, []float64{1, 0})
		if err != nil {
			return err
		}
		for i := range 3 {
			s := &store.Sample{FileURL: fmt.Sprintf("f%d", i), Region: "Chennai", Embedding: []float64{1, float64(i)}, Lat: &lat, Lng: &lng}
			if i > 0 {
				s.ClusterID = &cid
			}
			if _, err := tx.CreateSample(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	return f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/process-audio", &b)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestRootAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	w, body := f.get(t, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", body["service"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w, body = f.get(t, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	down, err := New(f.srv.pipe, downCatalog{f.store}, f.srv.opts)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	down.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProcessAudio(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, uploadRequest(t, "clip.wav", []byte("RIFF-audio"), map[string]string{"region": "Madurai", "lat": "9.93", "lng": "78.12"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, true, body["is_new_cluster"])
	assert.EqualValues(t, 1, body["assigned_cluster_id"])
	assert.Equal(t, "vanakkam", body["transcript"])

	s, err := f.store.GetSample(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Madurai", s.Region)
	require.NotNil(t, s.Lat)
	assert.Equal(t, 9.93, *s.Lat)

	// The stored audio is served back under /files.
	name := s.FileURL[strings.LastIndex(s.FileURL, "/")+1:]
	w, _ = f.get(t, "/files/"+name)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RIFF-audio", w.Body.String())

	w, body = f.do(t, uploadRequest(t, "again.wav", []byte("RIFF-audio"), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", body["status"])
}

func TestProcessAudioRejects(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name     string
		req      *http.Request
		code     int
		contains string
	}{
		{"missing file", uploadRequest(t, "", nil, map[string]string{"region": "x"}), http.StatusBadRequest, "file"},
		{"not audio", uploadRequest(t, "notes.txt", []byte("hi"), nil), http.StatusBadRequest, "audio"},
		{"bad lat", uploadRequest(t, "clip.wav", []byte("a"), map[string]string{"lat": "91"}), http.StatusBadRequest, "lat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := f.do(t, tt.req)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, body["detail"], tt.contains)
		})
	}
}

func TestProcessAudioUpstreamFailure(t *testing.T) {
	f := newFixture(t, func(d *orchestrator.Deps, _ *Options) {
		d.Transcriber = stubASR{err: errors.New("connection refused")}
	})
	w, body := f.do(t, uploadRequest(t, "clip.wav", []byte("a"), nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, body["detail"], "transcribe")
}

type zeroEncoder struct{}

func (zeroEncoder) Vectorize(context.Context, string) ([]float64, error) {
	return []float64{0, 0}, nil
}

func TestProcessAudioClusteringFailures(t *testing.T) {
	t.Run("integrity", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, err := tx.CreateCluster(ctx, []float64{1, 0, 0})
			return err
		}))

		w, body := f.do(t, uploadRequest(t, "clip.wav", []byte("a"), nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, body["detail"], "cluster 1: malformed centroid")
		assert.Contains(t, body["detail"], "dimension mismatch")
	})
	t.Run("degenerate embedding", func(t *testing.T) {
		f := newFixture(t, func(d *orchestrator.Deps, _ *Options) { d.Vectorizer = zeroEncoder{} })
		require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, err := tx.CreateCluster(ctx, []float64{1, 0})
			return err
		}))

		w, body := f.do(t, uploadRequest(t, "clip.wav", []byte("a"), nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, body["detail"], "degenerate")
	})
	t.Run("unexpected errors stay masked", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		fail(c, errors.New("pq: secret connection detail"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"detail":"internal error"}`, w.Body.String())
	})
}

func TestListEmbeddings(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	w, body := f.get(t, "/embeddings")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["count"])

	_, body = f.get(t, "/embeddings?cluster_id=1")
	assert.EqualValues(t, 2, body["count"])

	_, body = f.get(t, "/embeddings?cluster_id=null")
	assert.EqualValues(t, 1, body["count"])

	_, body = f.get(t, "/embeddings?limit=1&offset=1")
	assert.EqualValues(t, 1, body["count"])
	first := body["embeddings"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 2, first["id"])

	for _, q := range []string{"cluster_id=abc", "limit=0", "limit=5000", "offset=-1"} {
		w, _ := f.get(t, "/embeddings?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestGetEmbedding(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	w, body := f.get(t, "/embeddings/2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "f1", body["file_url"])
	assert.True(t, f.srv.samples.Contains(2))

	w, _ = f.get(t, "/embeddings/99")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.get(t, "/embeddings/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportEmbeddings(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	w, body := f.get(t, "/embeddings/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["count"])
	assert.EqualValues(t, 2, body["embedding_dimension"])
	assert.Equal(t, []any{3.0, 2.0}, body["embeddings_shape"])
	assert.Len(t, body["sample_ids"], 3)
}

func TestClusters(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	w, body := f.get(t, "/clusters")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	cl := body["clusters"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 2, cl["dimension"])

	w, body = f.get(t, "/clusters/1")
	require.Equal(t, http.StatusOK, w.Code)
	members := body["samples"].([]any)
	assert.Len(t, members, 2)
	assert.NotContains(t, members[0].(map[string]any), "embedding")

	w, _ = f.get(t, "/clusters/7")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeatmap(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	w, body := f.get(t, "/heatmap?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	samples := body["samples"].([]any)
	require.Len(t, samples, 2)
	s := samples[0].(map[string]any)
	assert.EqualValues(t, 3, s["id"])
	assert.Equal(t, 13.08, s["lat"])
	assert.NotContains(t, s, "embedding")
}

func TestCompareValidation(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/embeddings/compare", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w, _ := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/embeddings/compare", strings.NewReader(`{"file_url":"https://x/a.wav"}`))
	req.Header.Set("Content-Type", "application/json")
	w, _ = f.do(t, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code, "no downloader configured")
}

type copyFetcher struct{ content string }

func (c copyFetcher) Download(_ context.Context, _ string, dst string) error {
	return writeFile(dst, c.content)
}

func TestCompare(t *testing.T) {
	f := newFixture(t, func(d *orchestrator.Deps, _ *Options) { d.Fetch = copyFetcher{content: "q"} })
	f.seed(t)

	req := httptest.NewRequest(http.MethodPost, "/embeddings/compare", strings.NewReader(`{"file_url":"https://cdn/q.wav","top_k":2}`))
	req.Header.Set("Content-Type", "application/json")
	w, body := f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	matches := body["matches"].([]any)
	require.Len(t, matches, 2)
	assert.EqualValues(t, 1, matches[0].(map[string]any)["sample_id"])
	assert.InDelta(t, 1.0, matches[0].(map[string]any)["similarity"], 1e-9)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(_ *orchestrator.Deps, o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 1
	})
	w, _ := f.do(t, uploadRequest(t, "notes.txt", []byte("a"), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, body := f.do(t, uploadRequest(t, "notes.txt", []byte("a"), nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", body["detail"])

	// Reads are not limited.
	w, _ = f.get(t, "/clusters")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(_ *orchestrator.Deps, o *Options) { o.CORSOrigins = []string{"https://map.example"} })

	req := httptest.NewRequest(http.MethodOptions, "/process-audio", nil)
	req.Header.Set("Origin", "https://map.example")
	w, _ := f.do(t, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://map.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w, _ = f.do(t, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", errBadRequest), http.StatusBadRequest},
		{orchestrator.ErrNotAudio, http.StatusBadRequest},
		{fmt.Errorf("sample: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: dial", store.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: asr", orchestrator.ErrUpstream), http.StatusBadGateway},
		{&cluster.IntegrityError{ClusterID: 3, Err: cluster.ErrDimensionMismatch}, http.StatusInternalServerError},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w, _ := f.do(t, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func writeFile(path, content string) error {
	return os.WriteFile(filepath.Clean(path), []byte(content), 0o644)
}
