package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// --- Keywords (/keywords) ---
type KeywordsReq struct {
	Text string `json:"text"`
	TopN int    `json:"top_n,omitempty"`
}
type KeywordsResp struct {
	Keywords []string `json:"keywords"`
}

func (h *HTTP) Keywords(ctx context.Context, url, text string, topN int) (*KeywordsResp, error) {
	payload, err := json.Marshal(KeywordsReq{Text: text, TopN: topN})
	if err != nil {
		return nil, err
	}
	var out KeywordsResp
	err = h.do(ctx, "keywords", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/keywords", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, decodeJSON("keywords", &out))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type KeywordService struct {
	HTTP *HTTP
	URL  string
	TopN int
}

func (s KeywordService) Keywords(ctx context.Context, text string) ([]string, error) {
	r, err := s.HTTP.Keywords(ctx, s.URL, text, s.TopN)
	if err != nil {
		return nil, err
	}
	return r.Keywords, nil
}
