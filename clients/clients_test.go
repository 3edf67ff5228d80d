package clients

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHTTP(retries int, breaker BreakerConfig) *HTTP {
	return NewHTTP(Options{
		Timeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxRetries:      retries,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsedTime:  time.Second,
		},
		Breaker: breaker,
	})
}

func writeClip(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(p, []byte("RIFF....WAVEfmt "), 0o644))
	return p
}

func TestASRSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "clip.wav", hdr.Filename)
		assert.Equal(t, "16000", r.FormValue("sample_rate"))
		_ = json.NewEncoder(w).Encode(ASRResp{Text: "namaste", Language: "hi", Probability: 0.9})
	}))
	defer srv.Close()

	svc := ASRService{HTTP: testHTTP(0, BreakerConfig{}), URL: srv.URL, SampleRate: 16000}
	tr, err := svc.Transcribe(context.Background(), writeClip(t))
	require.NoError(t, err)
	assert.Equal(t, &Transcription{Text: "namaste", Language: "hi", Confidence: 0.9}, tr)
}

func TestASRRejectsProbabilityOutOfRange(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"text":"x","language":"hi","probability":1.5}`)
	}))
	defer srv.Close()

	_, err := testHTTP(3, BreakerConfig{}).ASR(context.Background(), srv.URL, writeClip(t), 0)
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.Equal(t, int32(1), hits.Load())
}

func TestVectorize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vectorize", r.URL.Path)
		_, _ = io.WriteString(w, `{"fileName":"clip.wav","embedding":[0.1,0.2,0.3]}`)
	}))
	defer srv.Close()

	emb, err := EncoderService{HTTP: testHTTP(0, BreakerConfig{}), URL: srv.URL}.Vectorize(context.Background(), writeClip(t))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, emb)
}

func TestVectorizeUndecodable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	_, err := testHTTP(0, BreakerConfig{}).Vectorize(context.Background(), srv.URL, writeClip(t))
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestKeywords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/keywords", r.URL.Path)
		var req KeywordsReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "paani nahi aaya", req.Text)
		assert.Equal(t, 3, req.TopN)
		_ = json.NewEncoder(w).Encode(KeywordsResp{Keywords: []string{"paani"}})
	}))
	defer srv.Close()

	kw, err := KeywordService{HTTP: testHTTP(0, BreakerConfig{}), URL: srv.URL, TopN: 3}.Keywords(context.Background(), "paani nahi aaya")
	require.NoError(t, err)
	assert.Equal(t, []string{"paani"}, kw)
}

func TestRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"keywords":["ok"]}`)
	}))
	defer srv.Close()

	out, err := testHTTP(3, BreakerConfig{}).Keywords(context.Background(), srv.URL, "text", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, out.Keywords)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testHTTP(3, BreakerConfig{}).Keywords(context.Background(), srv.URL, "text", 0)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.False(t, se.Temporary())
	assert.Equal(t, int32(1), hits.Load())
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := testHTTP(0, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5})
	ctx := context.Background()
	for range 2 {
		_, err := h.Keywords(ctx, srv.URL, "text", 0)
		require.Error(t, err)
	}
	_, err := h.Keywords(ctx, srv.URL, "text", 0)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())

	// Breakers are per service.
	_, err = h.Vectorize(ctx, srv.URL, writeClip(t))
	assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			return
		}
		_, _ = io.WriteString(w, "audio-bytes")
	}))
	defer srv.Close()

	h := testHTTP(0, BreakerConfig{})
	dst := filepath.Join(t.TempDir(), "dl.wav")
	require.NoError(t, h.Download(context.Background(), srv.URL+"/clip.wav", dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(b))

	err = h.Download(context.Background(), srv.URL+"/empty", dst)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestOpenAITranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"ghar","language":"hindi","segments":[{"avg_logprob":-0.1},{"avg_logprob":-0.3}]}`)
	}))
	defer srv.Close()

	tr := NewOpenAITranscriber(OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	got, err := tr.Transcribe(context.Background(), writeClip(t))
	require.NoError(t, err)
	assert.Equal(t, "ghar", got.Text)
	assert.Equal(t, "hindi", got.Language)
	assert.InDelta(t, math.Exp(-0.2), got.Confidence, 1e-9)
}

func TestSegmentConfidence(t *testing.T) {
	assert.Equal(t, 0.0, segmentConfidence(nil))
	assert.Equal(t, 1.0, segmentConfidence([]segment{{AvgLogprob: 0.5}}))
	assert.InDelta(t, math.Exp(-1), segmentConfidence([]segment{{AvgLogprob: -1}}), 1e-12)
}

func TestParseKeywords(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		limit int
		want  []string
	}{
		{"json array", `["water", "electricity"]`, 5, []string{"water", "electricity"}},
		{"fenced", "```json\n[\"road\", \"Road\", \"school\"]\n```", 5, []string{"road", "school"}},
		{"comma list", "water, power ,  ", 5, []string{"water", "power"}},
		{"bullets", "- water\n- power\n- ration", 2, []string{"water", "power"}},
		{"empty", "", 5, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseKeywords(tt.raw, tt.limit))
		})
	}
}
