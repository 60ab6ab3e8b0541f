package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSource observes a policy source exposed over HTTP (a bundle endpoint,
// a git provider's archive URL, ...). The revision token is the response
// ETag when the origin provides one, otherwise a digest of the body.
type HTTPSource struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPSource(url, token string) *HTTPSource {
	return &HTTPSource{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Revision implements Source.
func (s *HTTPSource) Revision(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build poll request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to poll %s: %w", s.url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return "", fmt.Errorf("unexpected status %d polling %s", res.StatusCode, s.url)
	}

	if etag := res.Header.Get("ETag"); etag != "" {
		io.Copy(io.Discard, res.Body)
		return etag, nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, res.Body); err != nil {
		return "", fmt.Errorf("failed to read poll response: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
