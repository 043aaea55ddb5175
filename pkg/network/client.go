// Package network holds the HTTP client used to talk to the approval API
// over its unix socket and to the external policy service over TCP.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Default configuration values
const (
	defaultTimeout         = 2 * time.Second
	defaultIdleConnTimeout = 1 * time.Second
	// maxErrorBody caps how much of a failed response ends up in an error.
	maxErrorBody = 512
)

// clientConfig holds internal configuration
type clientConfig struct {
	timeout             time.Duration
	idleConnTimeout     time.Duration
	disableKeepAlives   bool
	maxIdleConnsPerHost int
}

// ClientOption configures a Client
type ClientOption func(*clientConfig)

// WithTimeout sets the request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithKeepAlive enables or disables HTTP keep-alive
func WithKeepAlive(enabled bool) ClientOption {
	return func(c *clientConfig) {
		c.disableKeepAlives = !enabled
	}
}

// Client provides HTTP operations over various transports.
// It is immutable after creation and safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func defaultConfig() *clientConfig {
	return &clientConfig{
		timeout:             defaultTimeout,
		idleConnTimeout:     defaultIdleConnTimeout,
		disableKeepAlives:   true,
		maxIdleConnsPerHost: 1,
	}
}

func applyOptions(cfg *clientConfig, opts []ClientOption) {
	for _, opt := range opts {
		opt(cfg)
	}
}

func newClient(baseURL string, dialFunc func(ctx context.Context, network, addr string) (net.Conn, error), cfg *clientConfig) *Client {
	transport := &http.Transport{
		DisableKeepAlives:     cfg.disableKeepAlives,
		MaxIdleConnsPerHost:   cfg.maxIdleConnsPerHost,
		IdleConnTimeout:       cfg.idleConnTimeout,
		ResponseHeaderTimeout: cfg.timeout,
		Proxy:                 http.ProxyFromEnvironment,
	}
	if dialFunc != nil {
		transport.DialContext = dialFunc
		transport.Proxy = nil
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.timeout,
			Transport: transport,
		},
	}
}

// NewUnixClient creates a new HTTP client for Unix socket communication.
func NewUnixClient(socketPath string, opts ...ClientOption) *Client {
	cfg := defaultConfig()
	applyOptions(cfg, opts)

	dialFunc := func(ctx context.Context, _, _ string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: cfg.timeout}
		return dialer.DialContext(ctx, "unix", socketPath)
	}

	return newClient("http://unix", dialFunc, cfg)
}

// NewTCPClient creates a new HTTP client for TCP communication.
func NewTCPClient(addr string, opts ...ClientOption) *Client {
	cfg := defaultConfig()
	applyOptions(cfg, opts)

	dialFunc := func(ctx context.Context, _, _ string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: cfg.timeout}
		return dialer.DialContext(ctx, "tcp", addr)
	}

	baseURL := "http://" + addr
	return newClient(baseURL, dialFunc, cfg)
}

// NewURLClient creates a client rooted at an http or https URL. Request
// paths are appended to the URL's own path.
func NewURLClient(rawURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q in %q", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", rawURL)
	}

	cfg := defaultConfig()
	applyOptions(cfg, opts)
	return newClient(u.String(), nil, cfg), nil
}

// Close closes the HTTP client and cleans up resources
func (c *Client) Close() error {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// Request represents an HTTP request being built.
// Methods return the request for chaining.
type Request struct {
	client  *Client
	method  string
	path    string
	headers http.Header
	query   url.Values
	body    io.Reader
	err     error
}

// NewRequest creates a new request builder
func (c *Client) NewRequest(method, path string) *Request {
	return &Request{
		client:  c,
		method:  method,
		path:    path,
		headers: make(http.Header),
		query:   make(url.Values),
	}
}

// Get creates a GET request builder
func (c *Client) Get(path string) *Request {
	return c.NewRequest(http.MethodGet, path)
}

// Post creates a POST request builder
func (c *Client) Post(path string) *Request {
	return c.NewRequest(http.MethodPost, path)
}

// Header adds a header to the request
func (r *Request) Header(key, value string) *Request {
	r.headers.Set(key, value)
	return r
}

// Query adds a query parameter to the request
func (r *Request) Query(key, value string) *Request {
	r.query.Set(key, value)
	return r
}

// Body sets the request body
func (r *Request) Body(body io.Reader) *Request {
	r.body = body
	return r
}

// JSON sets Content-Type and Accept headers to application/json
func (r *Request) JSON() *Request {
	return r.Header("Content-Type", "application/json").Header("Accept", "application/json")
}

// JSONBody encodes v as the request body and sets the JSON headers.
func (r *Request) JSONBody(v any) *Request {
	b, err := json.Marshal(v)
	if err != nil {
		r.err = fmt.Errorf("failed to encode request body: %w", err)
		return r
	}
	return r.Body(bytes.NewReader(b)).JSON()
}

// buildURL constructs the full URL for the request
func (r *Request) buildURL() string {
	if r.path == "" {
		return r.client.baseURL
	}
	return r.client.baseURL + path.Clean(path.Join("/", r.path))
}

// Do executes the request and returns the response
func (r *Request) Do(ctx context.Context) (*http.Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	reqURL := r.buildURL()

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, r.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", r.method, err)
	}

	req.Header = r.headers
	if len(r.query) > 0 {
		req.URL.RawQuery = r.query.Encode()
	}

	logrus.Debugf("http request: %s %s", req.Method, req.URL.String())

	resp, err := r.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP %s request failed: %w", r.method, err)
	}

	return resp, nil
}

// DoAndRead executes the request, reads the body, and closes the response
func (r *Request) DoAndRead(ctx context.Context) ([]byte, int, error) {
	resp, err := r.Do(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer CloseResponse(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, resp.StatusCode, nil
}

// StatusError is returned by DoJSON for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected HTTP status %d", e.Code)
	}
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.Code, e.Body)
}

// DoJSON executes the request and decodes a 2xx JSON response into out.
// out may be nil to discard the body.
func (r *Request) DoJSON(ctx context.Context, out any) error {
	body, code, err := r.DoAndRead(ctx)
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return &StatusError{Code: code, Body: msg}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// CloseResponse safely closes HTTP response body
func CloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			logrus.Debugf("failed to close response body: %v", err)
		}
	}
}
