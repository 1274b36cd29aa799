package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vietddude/courier/internal/metrics"
)

// Call describes one HTTP request against the partner API.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   json.RawMessage
}

// Client issues authenticated calls against the partner API. Responses are
// returned as raw JSON; non-2xx responses come back as *StatusError so the
// dispatch layer can classify them.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// bearer supplies the current access token per call. May be nil for
	// unauthenticated endpoints.
	bearer func() string

	Monitor *Monitor
}

// NewClient creates a partner API client.
func NewClient(baseURL string, timeout time.Duration, bearer func() string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		bearer:  bearer,
		Monitor: NewMonitor(),
	}
}

// Do performs a single call and returns the response body.
func (c *Client) Do(ctx context.Context, call Call) (json.RawMessage, error) {
	start := time.Now()

	endpoint := c.baseURL + "/" + strings.TrimLeft(call.Path, "/")
	if len(call.Query) > 0 {
		endpoint += "?" + call.Query.Encode()
	}

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range call.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if len(call.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearer != nil {
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("call %s %s: %w", call.Method, call.Path, err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	metrics.UpstreamLatency.Observe(latency.Seconds())
	metrics.UpstreamRequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := c.statusError(resp, payload)
		c.record(se)
		return nil, se
	}

	c.Monitor.RecordRequest(latency)
	return payload, nil
}

// statusError decodes the partner's error envelope into a StatusError.
// Bodies that are not the envelope still produce a usable error.
func (c *Client) statusError(resp *http.Response, payload []byte) *StatusError {
	se := &StatusError{Status: resp.StatusCode}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Code != "" {
		se.Code = envelope.Error.Code
		se.Message = envelope.Error.Message
	} else if len(payload) > 0 {
		se.Message = strings.TrimSpace(string(payload))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return se
}

func (c *Client) record(se *StatusError) {
	switch se.Status {
	case http.StatusTooManyRequests:
		c.Monitor.RecordThrottle(se.RetryAfter)
	case http.StatusUnauthorized, http.StatusForbidden:
		c.Monitor.RecordAuthFailure()
	default:
		// Some gateways throttle with a generic status and say so only
		// in the message. That feeds the health signal, not the
		// classification.
		if c.Monitor.DetectThrottle(se.Message) {
			c.Monitor.RecordThrottle(0)
		}
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
