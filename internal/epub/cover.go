package epub

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Covers should be a few hundred kilobytes; anything past this is not a
// cover image.
const maxCoverSize = 10 << 20

// Fetcher downloads cover images over HTTP.
type Fetcher struct {
	client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	const method = "Fetcher.Fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errorf(method, "%q: %v", url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errorf(method, "%q: %v", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errorf(method, "%q: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverSize))
	if err != nil {
		return nil, errorf(method, "%q: %v", url, err)
	}
	return body, nil
}
