package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"readflow/pkg/domain"
)

const (
	fetchTimeout  = 30 * time.Second
	maxFetchBytes = 10 << 20
)

// FetchResult is a page fetched and reduced to its article content.
type FetchResult struct {
	HTML     string
	Metadata domain.Metadata
}

// Fetcher downloads article pages. It presents browser-like headers because
// several newsletter platforms serve stripped or blocked responses to
// unrecognized agents.
type Fetcher struct {
	client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: fetchTimeout}}
}

// Fetch downloads the page at rawURL, sanitizes it, and extracts metadata.
// Transient HTTP failures are retried with backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	var page string
	err := retry.Do(func() error {
		var err error
		page, err = f.fetchOnce(ctx, rawURL)
		return err
	},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("article fetch retry", "url", rawURL, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	meta := ExtractMetadata(page)
	if meta.Source == "Unknown Source" {
		meta.Source = SourceFromURL(rawURL)
	}
	clean := Sanitize(page, rawURL)
	meta.WordCount = CountWords(clean)
	meta.ReadingTime = ReadingTime(meta.WordCount)

	return &FetchResult{HTML: clean, Metadata: meta}, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", retry.Unrecoverable(err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", retry.Unrecoverable(fmt.Errorf("page not found (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
