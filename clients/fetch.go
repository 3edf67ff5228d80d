package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// MaxDownloadBytes caps Download.
const MaxDownloadBytes = 100 << 20

// Download fetches url into dst, replacing it.
func (h *HTTP) Download(ctx context.Context, url, dst string) error {
	return h.do(ctx, "download", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, func(resp *http.Response) error {
		f, err := os.Create(dst)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, io.LimitReader(resp.Body, MaxDownloadBytes+1))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if n > MaxDownloadBytes {
			return fmt.Errorf("%w: %s larger than %d bytes", ErrBadResponse, url, MaxDownloadBytes)
		}
		if n == 0 {
			return errors.Join(ErrBadResponse, fmt.Errorf("%s is empty", url))
		}
		return nil
	})
}
