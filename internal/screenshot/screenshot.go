// SPDX-License-Identifier: MPL-2.0

// Package screenshot renders web pages to JPEG through the APIFlash
// URL-to-image API.
package screenshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultEndpoint is the APIFlash URL-to-image endpoint.
	DefaultEndpoint = "https://api.apiflash.com/v1/urltoimage"
	// DefaultDelay is how long APIFlash waits before capturing. Some pages
	// take that long to finish rendering.
	DefaultDelay = 10 * time.Second
	// DefaultTimeout bounds a whole capture including the delay.
	DefaultTimeout = 90 * time.Second

	// DefaultMaxImageBytes caps the size of a screenshot.
	DefaultMaxImageBytes = 32 << 20
	// maxErrorBody is how much of an error response is kept for the message.
	maxErrorBody = 512
)

var (
	// ErrMissingAccessKey is returned when a Client is created without a key.
	ErrMissingAccessKey = errors.New("APIFlash access key is not set")
	// ErrInvalidURL is returned when the page URL is not absolute http(s).
	ErrInvalidURL = errors.New("invalid page URL")
	// ErrNotJPEG is returned when the response body does not decode as JPEG.
	ErrNotJPEG = errors.New("screenshot is not a valid JPEG")
	// ErrImageTooLarge is returned when the response body exceeds the cap.
	ErrImageTooLarge = errors.New("screenshot exceeds the size limit")
)

type (
	// StatusError is returned for a non-2xx APIFlash response.
	StatusError struct {
		StatusCode int
		Body       string
	}

	// Fetcher captures a page as JPEG bytes.
	Fetcher interface {
		Fetch(ctx context.Context, page *url.URL) ([]byte, error)
	}

	// Client calls the APIFlash API.
	Client struct {
		endpoint   string
		accessKey  string
		delay      time.Duration
		maxBytes   int64
		httpClient *http.Client
		logger     *log.Logger
	}

	// Option configures a Client.
	Option func(*Client)
)

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("screenshot service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("screenshot service returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// WithEndpoint overrides the API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithDelay sets the capture delay. APIFlash accepts whole seconds.
func WithDelay(d time.Duration) Option {
	return func(c *Client) {
		c.delay = d
	}
}

// WithMaxImageBytes sets the largest screenshot accepted.
func WithMaxImageBytes(n int64) Option {
	return func(c *Client) {
		c.maxBytes = n
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client.
func New(accessKey string, opts ...Option) (*Client, error) {
	if accessKey == "" {
		return nil, ErrMissingAccessKey
	}
	c := &Client{
		endpoint:   DefaultEndpoint,
		accessKey:  accessKey,
		delay:      DefaultDelay,
		maxBytes:   DefaultMaxImageBytes,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch captures page and returns the JPEG bytes.
func (c *Client) Fetch(ctx context.Context, page *url.URL) ([]byte, error) {
	if page == nil || !page.IsAbs() || page.Host == "" || (page.Scheme != "http" && page.Scheme != "https") {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, page)
	}
	c.logger.Debug("fetching screenshot", "url", page.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(page), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build screenshot request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("screenshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	// One byte over the cap tells a full-size image from a truncated one.
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrImageTooLarge, c.maxBytes)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotJPEG, err)
	}

	c.logger.Debug("fetched screenshot", "url", page.String(), "bytes", len(data))
	return data, nil
}

func (c *Client) requestURL(page *url.URL) string {
	q := url.Values{}
	q.Set("access_key", c.accessKey)
	q.Set("url", page.String())
	q.Set("delay", strconv.Itoa(int(c.delay/time.Second)))
	return c.endpoint + "?" + q.Encode()
}
