package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/EddyLabs/eddy/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("revision conflict")
)

// ErrRetryable marks responses the caller may safely retry after waiting:
// store outages (503) and rate limiting (429).
type ErrRetryable struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *ErrRetryable) Error() string {
	return fmt.Sprintf("retryable failure (status %d, retry after %v): %s",
		e.StatusCode, e.RetryAfter, e.Message)
}

type Config struct {
	// WebAddress is the HTTP service base, e.g. "http://localhost:3000".
	WebAddress string
	// SockAddress is the socket service base, e.g. "ws://localhost:5000".
	SockAddress string
	AuthToken   string
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Client is the API client for both eddy services.
type Client struct {
	baseURL    *url.URL
	sockURL    *url.URL
	httpClient *http.Client
	authToken  string
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.WebAddress == "" {
		return nil, fmt.Errorf("webAddress cannot be empty")
	}

	baseURL, err := url.Parse(cfg.WebAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to parse web address %q: %w", cfg.WebAddress, err)
	}

	var sockURL *url.URL
	if cfg.SockAddress != "" {
		sockURL, err = url.Parse(cfg.SockAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sock address %q: %w", cfg.SockAddress, err)
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		sockURL:    sockURL,
		httpClient: &http.Client{Timeout: timeout},
		authToken:  cfg.AuthToken,
		logger:     logger.WithGroup("eddy_client"),
	}, nil
}

func (c *Client) Read(ctx context.Context, resource string) (models.Document, error) {
	var doc models.Document
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/r/"+url.PathEscape(resource), nil, "", &doc)
	return doc, err
}

// Write commits a payload and returns the committed revision.
// expectedRevision 0 means last-write-wins; non-zero makes the write
// conditional and surfaces ErrConflict on a mismatch.
func (c *Client) Write(ctx context.Context, resource string, payload json.RawMessage, expectedRevision int64) (int64, error) {
	ifMatch := ""
	if expectedRevision != 0 {
		ifMatch = strconv.FormatInt(expectedRevision, 10)
	}

	var result models.WriteResult
	err := c.doRequest(ctx, http.MethodPut, "/api/v1/r/"+url.PathEscape(resource), payload, ifMatch, &result)
	if err != nil {
		return 0, err
	}
	return result.Revision, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body json.RawMessage, ifMatch string, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authToken)
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	c.logger.Debug("sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ErrRetryable{StatusCode: 0, RetryAfter: time.Second, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if target == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
		}
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := string(respBody)
	var errResp models.ErrorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
		message = errResp.Message
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, message)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return &ErrRetryable{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    message,
		}
	default:
		return fmt.Errorf("request %s %s failed with status %d: %s", method, path, resp.StatusCode, message)
	}
}

func parseRetryAfter(header string) time.Duration {
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Second
}
