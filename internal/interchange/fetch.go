package interchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// FetchOptions controls Fetch.
type FetchOptions struct {
	Timeout time.Duration
	// MaxBytes bounds the downloaded document; zero uses 5 MiB.
	MaxBytes int64
	// Client overrides the SSRF-guarded default client.
	Client *http.Client
}

// NewSafeClient returns an HTTP client that refuses private, loopback and
// link-local destinations, checked after DNS resolution.
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// Fetch downloads a calendar document from a subscription URL.
func Fetch(ctx context.Context, url string, opts FetchOptions) ([]byte, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 << 20
	}
	client := opts.Client
	if client == nil {
		client = NewSafeClient(opts.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")
	req.Header.Set("User-Agent", "homesync/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch calendar: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar: %w", err)
	}
	if int64(len(body)) > opts.MaxBytes {
		return nil, fmt.Errorf("calendar exceeds %d bytes", opts.MaxBytes)
	}
	return body, nil
}
