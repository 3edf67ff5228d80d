package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

// Transcription is what a transcription oracle reports for one clip.
type Transcription struct {
	Text       string
	Language   string
	Confidence float64
}

type ASRResp struct {
	Text        string  `json:"text"`
	Language    string  `json:"language"`
	Probability float64 `json:"probability"`
}

// ASR posts the clip to <url>/transcribe as multipart form data.
func (h *HTTP) ASR(ctx context.Context, url, wavPath string, sampleRate int) (*ASRResp, error) {
	fields := map[string]string{}
	if sampleRate > 0 {
		fields["sample_rate"] = strconv.Itoa(sampleRate)
	}
	body, contentType, err := multipartFile(wavPath, fields)
	if err != nil {
		return nil, err
	}

	var out ASRResp
	err = h.do(ctx, "asr", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/transcribe", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, decodeJSON("asr", &out))
	if err != nil {
		return nil, err
	}
	if out.Probability < 0 || out.Probability > 1 {
		return nil, fmt.Errorf("%w: asr probability %v outside [0,1]", ErrBadResponse, out.Probability)
	}
	return &out, nil
}

// ASRService binds the ASR call to one service address.
type ASRService struct {
	HTTP       *HTTP
	URL        string
	SampleRate int
}

func (s ASRService) Transcribe(ctx context.Context, path string) (*Transcription, error) {
	r, err := s.HTTP.ASR(ctx, s.URL, path, s.SampleRate)
	if err != nil {
		return nil, err
	}
	return &Transcription{Text: r.Text, Language: r.Language, Confidence: r.Probability}, nil
}

// multipartFile reads path into a multipart body under the "file" field.
func multipartFile(path string, fields map[string]string) ([]byte, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	fd, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer fd.Close()

	if _, err = io.Copy(fw, fd); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err = w.Close(); err != nil {
		return nil, "", err
	}
	return b.Bytes(), w.FormDataContentType(), nil
}
