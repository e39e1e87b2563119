package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kaigi/internal/telemetry"
)

// HTTPClient calls the reasoning backend over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewHTTPClient creates a client for the backend at baseURL. Each call is
// bounded by timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type asyncRequest struct {
	IntentRequest
	CallbackURL string `json:"callback_url"`
}

// Intent implements Client.
func (c *HTTPClient) Intent(ctx context.Context, req IntentRequest) (Decision, error) {
	var d Decision
	if err := c.post(ctx, "/v1/intent", req, &d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// IntentAsync implements Client.
func (c *HTTPClient) IntentAsync(ctx context.Context, req IntentRequest, callbackURL string) (Job, error) {
	var j Job
	if err := c.post(ctx, "/v1/intent/async", asyncRequest{IntentRequest: req, CallbackURL: callbackURL}, &j); err != nil {
		return Job{}, err
	}
	if j.JobID == "" {
		return Job{}, fmt.Errorf("reasoning: async response missing job_id")
	}
	return j, nil
}

// CancelJobs implements Canceller.
func (c *HTTPClient) CancelJobs(ctx context.Context, prefix string) error {
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	return c.post(ctx, "/v1/jobs/cancel", map[string]string{"correlation_prefix": prefix}, &out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("reasoning: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("reasoning: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, path, c.timeout)
		}
		return fmt.Errorf("reasoning: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("reasoning: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, path, c.timeout)
		}
		return fmt.Errorf("reasoning: decode response: %w", err)
	}
	return nil
}
