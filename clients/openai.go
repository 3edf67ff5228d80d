package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultWhisperModel = "whisper-1"

// OpenAIOptions configures OpenAITranscriber. BaseURL points it at any
// OpenAI-compatible transcription endpoint.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAITranscriber transcribes clips through the OpenAI audio API. It is
// the hosted alternative to ASRService.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

func NewOpenAITranscriber(opts OpenAIOptions) *OpenAITranscriber {
	if opts.Model == "" {
		opts.Model = DefaultWhisperModel
	}
	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(max(opts.MaxRetries, 0)),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAITranscriber{client: &client, model: opts.Model}
}

type segment struct {
	AvgLogprob float64 `json:"avg_logprob"`
}

// verbose_json body; the typed response does not carry segments.
type verboseTranscript struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []segment `json:"segments"`
}

func (o *OpenAITranscriber) Transcribe(ctx context.Context, path string) (*Transcription, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	resp, err := o.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:           fd,
		Model:          openai.AudioModel(o.model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	var vt verboseTranscript
	if err := json.Unmarshal([]byte(resp.RawJSON()), &vt); err != nil {
		return nil, fmt.Errorf("%w: openai decode: %v", ErrBadResponse, err)
	}
	if vt.Text == "" {
		vt.Text = resp.Text
	}
	return &Transcription{
		Text:       vt.Text,
		Language:   vt.Language,
		Confidence: segmentConfidence(vt.Segments),
	}, nil
}

// segmentConfidence is exp of the mean segment log-probability.
func segmentConfidence(segs []segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segs {
		sum += s.AvgLogprob
	}
	c := math.Exp(sum / float64(len(segs)))
	return math.Max(0, math.Min(1, c))
}
