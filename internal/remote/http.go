package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	mutatePath  = "/v1/mutate"
	changesPath = "/v1/changes"

	// IdempotencyHeader carries the queue item id on mutate requests.
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes = 4 << 20
)

// HTTPClient implements Client over the JSON HTTP binding.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sends a bearer token on every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.hc = hc }
}

// NewHTTPClient creates a client for the server at baseURL.
// Per-call deadlines come from the caller's context; the default
// http.Client timeout is only a backstop.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mutate implements Client.
//
// 200 decodes to a result, 409 must carry a conflict body and 4xx bodies
// become Error results. 5xx and 429 return a *StatusError. Bodies that do not
// decode return ErrMalformed.
func (c *HTTPClient) Mutate(ctx context.Context, req MutateRequest) (MutateResult, error) {
	status, body, err := c.post(ctx, mutatePath, req, map[string]string{
		IdempotencyHeader: req.IdempotencyKey,
	})
	if err != nil {
		return MutateResult{}, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusConflict:
		var res MutateResult
		if err := json.Unmarshal(body, &res); err != nil {
			return MutateResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if status == http.StatusConflict && res.Conflict == nil {
			return MutateResult{}, fmt.Errorf("%w: 409 without conflict body", ErrMalformed)
		}
		if !res.Valid() {
			return MutateResult{}, fmt.Errorf("%w: %s", ErrMalformed, truncate(body))
		}
		return res, nil

	case status >= 500 || status == http.StatusTooManyRequests:
		return MutateResult{}, &StatusError{Code: status, Body: truncate(body)}

	case status >= 400:
		var res MutateResult
		if err := json.Unmarshal(body, &res); err != nil || res.Error == "" {
			return MutateResult{Error: fmt.Sprintf("status %d: %s", status, truncate(body))}, nil
		}
		return MutateResult{Error: res.Error}, nil
	}
	return MutateResult{}, fmt.Errorf("%w: unexpected status %d", ErrMalformed, status)
}

// Changes implements Client.
func (c *HTTPClient) Changes(ctx context.Context, req ChangesRequest) (ChangesResult, error) {
	status, body, err := c.post(ctx, changesPath, req, nil)
	if err != nil {
		return ChangesResult{}, err
	}
	if status != http.StatusOK {
		return ChangesResult{}, &StatusError{Code: status, Body: truncate(body)}
	}

	var res ChangesResult
	if err := json.Unmarshal(body, &res); err != nil {
		return ChangesResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return res, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in any, headers map[string]string) (int, []byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

func truncate(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
