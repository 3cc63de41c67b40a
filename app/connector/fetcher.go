package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxBodySize = 20 << 20

// Fetcher performs the GET requests of every connector with a shared client,
// user agent and per-host rate limit.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	limiter    *Limiter
}

func NewFetcher(httpClient *http.Client, userAgent string, limiter *Limiter) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if limiter == nil {
		limiter = NewLimiter(0, 1)
	}
	return &Fetcher{
		httpClient: httpClient,
		userAgent:  userAgent,
		limiter:    limiter,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := f.limiter.Wait(timeoutCtx, url); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, nil
}
