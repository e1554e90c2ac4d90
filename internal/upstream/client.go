// Package upstream performs authenticated calls against the Twitter v2 API
// and classifies their outcomes for the router.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sei0o/binchotan-backend/internal/ratelimit"
	"github.com/sei0o/binchotan-backend/internal/util"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.twitter.com"

// retryBackoff is the pause before the single retry of a server-side failure.
const retryBackoff = 500 * time.Millisecond

// StatusError is a non-2xx upstream response. 4xx is a caller fault and is
// never retried; 5xx has already been retried once by the time it surfaces.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, util.TruncateLog(e.Body, 256))
}

// IsAuthError reports whether the response indicates an expired or invalid
// access token.
func (e *StatusError) IsAuthError() bool { return e.Status == http.StatusUnauthorized }

// Result is one upstream call outcome. RateLimit is populated from the
// x-rate-limit headers whenever they are present, success or failure, since
// upstream decrements quota on some error classes too.
type Result struct {
	Status    int
	Body      json.RawMessage
	RateLimit *ratelimit.Window
}

// Client performs authenticated HTTP calls against the API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
	}
}

// NewClientWithBaseURL is used by tests to point the client at a stub server.
func NewClientWithBaseURL(baseURL string) *Client {
	c := NewClient()
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Call performs one API call. The endpoint is a path under /2/ and may contain
// an :id placeholder which is replaced with the authenticated user's id. GET
// and DELETE parameters become the query string; other methods send them as a
// JSON body.
func (c *Client) Call(ctx context.Context, accessToken, httpMethod, endpoint, userID string, params map[string]any) (*Result, error) {
	path := strings.ReplaceAll(strings.TrimPrefix(endpoint, "/"), ":id", userID)
	target := fmt.Sprintf("%s/2/%s", c.baseURL, path)

	var body []byte
	switch httpMethod {
	case http.MethodGet, http.MethodDelete:
		if len(params) > 0 {
			target += "?" + encodeQuery(params)
		}
	default:
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode request parameters: %w", err)
		}
	}

	return c.do(ctx, httpMethod, target, accessToken, body)
}

// Timeline fetches the user's home timeline in reverse-chronological order.
func (c *Client) Timeline(ctx context.Context, accessToken, userID string, params map[string]any) (*Result, error) {
	target := fmt.Sprintf("%s/2/users/%s/timelines/reverse_chronological", c.baseURL, userID)
	if len(params) > 0 {
		target += "?" + encodeQuery(params)
	}
	return c.do(ctx, http.MethodGet, target, accessToken, nil)
}

// UserID resolves the authenticated user's id via /2/users/me.
func (c *Client) UserID(ctx context.Context, accessToken string) (string, error) {
	res, err := c.do(ctx, http.MethodGet, c.baseURL+"/2/users/me", accessToken, nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return "", fmt.Errorf("parse /users/me response: %w", err)
	}
	if payload.Data.ID == "" {
		return "", fmt.Errorf("no user id in /users/me response: %s", util.TruncateBytes(res.Body))
	}
	return payload.Data.ID, nil
}

// do issues the request, retrying exactly once on a network error or a 5xx
// status. The overall deadline comes from ctx. Even when the call ultimately
// fails, any result carrying rate-limit headers is returned alongside the
// error: upstream decrements quota on failed attempts too.
func (c *Client) do(ctx context.Context, method, target, accessToken string, body []byte) (*Result, error) {
	first, err := c.doOnce(ctx, method, target, accessToken, body)
	if err == nil && first.Status < 500 {
		return resultOrStatusError(first)
	}

	if err != nil {
		log.Printf("⚠️ upstream request failed, retrying once: %v", err)
	} else {
		log.Printf("⚠️ upstream returned %d, retrying once", first.Status)
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return first, fmt.Errorf("upstream call abandoned: %w", ctx.Err())
	}

	res, err := c.doOnce(ctx, method, target, accessToken, body)
	if err != nil {
		return first, fmt.Errorf("upstream request failed after retry: %w", err)
	}
	return resultOrStatusError(res)
}

func resultOrStatusError(res *Result) (*Result, error) {
	if res.Status >= 400 {
		return res, &StatusError{Status: res.Status, Body: string(res.Body)}
	}
	return res, nil
}

func (c *Client) doOnce(ctx context.Context, method, target, accessToken string, body []byte) (*Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Result{
		Status:    resp.StatusCode,
		Body:      data,
		RateLimit: parseRateLimit(resp.Header),
	}, nil
}

// parseRateLimit reads the x-rate-limit-remaining / x-rate-limit-reset pair.
// Returns nil when the headers are absent (some error responses omit them).
func parseRateLimit(h http.Header) *ratelimit.Window {
	remaining, err := strconv.Atoi(h.Get("x-rate-limit-remaining"))
	if err != nil {
		return nil
	}
	resetEpoch, err := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64)
	if err != nil {
		return nil
	}
	return &ratelimit.Window{Remaining: remaining, ResetAt: time.Unix(resetEpoch, 0)}
}

// IsServerError reports whether the error is an upstream server-side failure
// (5xx, network, timeout) as opposed to a caller fault.
func IsServerError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500
	}
	return err != nil
}

func encodeQuery(params map[string]any) string {
	values := url.Values{}
	for k, v := range params {
		switch val := v.(type) {
		case string:
			values.Set(k, val)
		case float64:
			values.Set(k, strconv.FormatFloat(val, 'f', -1, 64))
		case int:
			values.Set(k, strconv.Itoa(val))
		case bool:
			values.Set(k, strconv.FormatBool(val))
		default:
			encoded, _ := json.Marshal(v)
			values.Set(k, string(encoded))
		}
	}
	return values.Encode()
}
