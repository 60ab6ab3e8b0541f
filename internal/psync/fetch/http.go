package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"psync/internal/psync"
)

// HTTPConfig is the config blob understood by the http provider.
type HTTPConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// HTTPProvider fetches a JSON document over HTTP. The entry's credential
// reference, when present, is sent as a bearer token.
type HTTPProvider struct {
	client *http.Client
}

func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context, entry psync.DataSourceEntry) (any, error) {
	var cfg HTTPConfig
	if len(entry.Config) > 0 {
		if err := json.Unmarshal(entry.Config, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse http fetcher config: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", entry.URL, err)
	}
	req.Header.Set("Accept", "application/json")
	if entry.Credentials != "" {
		req.Header.Set("Authorization", "Bearer "+entry.Credentials)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", entry.URL, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", res.StatusCode, entry.URL)
	}

	var doc any
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode payload from %s: %w", entry.URL, err)
	}

	return doc, nil
}
