package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// maxStatusBody caps how much of a status response is read.
const maxStatusBody = 1 << 20

// StatusError is returned for an unexpected HTTP status code.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// NewLimiter returns a limiter for requestsPerSecond, or nil when <= 0.
func NewLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

// HTTPStatusFetcher reads a remote job state from a JSON status endpoint.
// StateField is a dot separated path into the response object.
type HTTPStatusFetcher struct {
	Client     *http.Client
	URL        string
	StateField string
	Header     http.Header
	// Limiter is shared by every fetcher talking to the same endpoint.
	Limiter *rate.Limiter

	mu   sync.Mutex
	last map[string]any
}

func (f *HTTPStatusFetcher) FetchState(ctx context.Context) (string, error) {
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, values := range f.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", f.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return "", fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{URL: f.URL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse status response: %w", err)
	}
	f.mu.Lock()
	f.last = doc
	f.mu.Unlock()

	field := f.StateField
	if field == "" {
		field = "state"
	}
	state, ok := lookupString(doc, field)
	if !ok {
		return "", fmt.Errorf("status response has no string field %q", field)
	}
	return state, nil
}

// LastField returns a string field of the most recent status response.
func (f *HTTPStatusFetcher) LastField(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return "", false
	}
	return lookupString(f.last, path)
}

func lookupString(doc map[string]any, path string) (string, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
