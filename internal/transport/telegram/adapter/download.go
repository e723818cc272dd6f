package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrTooLarge is returned when a file exceeds Config.MaxDownload.
var ErrTooLarge = errors.New("telegram file too large")

// Download streams a channel file. getFile resolves the path; the body is
// fetched with ctx so shutdown aborts a slow transfer.
func (a *Adapter) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, errors.New("empty file id")
	}
	f, err := a.bot.FileByID(fileID)
	if err != nil {
		return nil, fmt.Errorf("getFile: %w", err)
	}
	if int64(f.FileSize) > a.cfg.MaxDownload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, f.FileSize)
	}
	if f.FilePath == "" {
		return nil, errors.New("getFile returned empty path")
	}

	url := strings.TrimRight(a.bot.URL, "/") + "/file/bot" + a.cfg.Token + "/" + f.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download: http %d", resp.StatusCode)
	}
	return &limitedBody{r: io.LimitReader(resp.Body, a.cfg.MaxDownload+1), c: resp.Body, max: a.cfg.MaxDownload}, nil
}

// limitedBody fails the read once more than max bytes arrive, covering
// files whose size was not reported by getFile.
type limitedBody struct {
	r   io.Reader
	c   io.Closer
	n   int64
	max int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.n > b.max {
		return n, ErrTooLarge
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.c.Close() }
