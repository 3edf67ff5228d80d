package clients

import (
	"bytes"
	"context"
	"net/http"
)

// --- Encoder (/vectorize) ---
type VectorizeResp struct {
	FileName  string    `json:"fileName"`
	Embedding []float64 `json:"embedding"`
}

func (h *HTTP) Vectorize(ctx context.Context, url, audioPath string) (*VectorizeResp, error) {
	body, contentType, err := multipartFile(audioPath, nil)
	if err != nil {
		return nil, err
	}

	var out VectorizeResp
	err = h.do(ctx, "encoder", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/vectorize", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, decodeJSON("encoder", &out))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EncoderService binds Vectorize to one service address.
type EncoderService struct {
	HTTP *HTTP
	URL  string
}

func (s EncoderService) Vectorize(ctx context.Context, path string) ([]float64, error) {
	r, err := s.HTTP.Vectorize(ctx, s.URL, path)
	if err != nil {
		return nil, err
	}
	return r.Embedding, nil
}
