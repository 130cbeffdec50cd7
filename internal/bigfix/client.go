// Package bigfix is a minimal client for the BigFix REST API: login,
// session relevance queries, and action fetch/status/delete.
//
// Security caveat: BigFix root servers commonly present self-signed
// certificates, so the client skips TLS verification. Credentials still travel
// over TLS, but the server identity is not authenticated.
package bigfix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/actionarchiver/internal/log"
)

const (
	// maxErrorBody caps how much of an error response is kept in APIError.
	maxErrorBody = 512

	defaultTimeout = 2 * time.Minute
	defaultRetries = 3
)

// Config describes one BigFix REST endpoint and its credentials.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// MaxConns bounds concurrent connections to the server. Set it to the
	// worker count so each worker has its own connection.
	MaxConns int
	Timeout  time.Duration
	// Retries is how often an idempotent read is retried after a connection
	// error. Zero means defaultRetries; negative disables retries.
	Retries int
}

// Client talks to one BigFix server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackOff replaces the retry policy for idempotent reads.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// New creates a client for cfg. It does not contact the server; call Login
// to verify connectivity and credentials.
func New(cfg Config, opts ...Option) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("bigfix host is empty")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("bigfix port %d is invalid", cfg.Port)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = defaultRetries
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// BigFix servers normally use self-signed certificates.
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}

	c := &Client{
		baseURL:    "https://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		user:       cfg.User,
		password:   cfg.Password,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		logger:     log.WithComponent("bigfix"),
	}
	c.newBackOff = func() backoff.BackOff {
		if retries < 0 {
			return &backoff.StopBackOff{}
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		return backoff.WithMaxRetries(b, uint64(retries))
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the https://host:port prefix used for every call.
func (c *Client) BaseURL() string { return c.baseURL }

// Login verifies connectivity and credentials via GET /api/login.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/login", nil, "")
	if err != nil {
		return err
	}
	c.logger.Debug("login succeeded", "server", c.baseURL, "user", c.user)
	return nil
}

// Query runs a session relevance expression and returns the decoded result.
func (c *Client) Query(ctx context.Context, relevance string) (*QueryResult, error) {
	form := url.Values{}
	form.Set("relevance", relevance)
	form.Set("output", "json")
	body := form.Encode()

	var res *QueryResult
	err := c.retry(ctx, func() error {
		raw, err := c.do(ctx, http.MethodPost, "/api/query", strings.NewReader(body), "application/x-www-form-urlencoded")
		if err != nil {
			return err
		}
		res, err = decodeQueryResult(raw, relevance)
		if err != nil {
			return &APIError{
				Method: http.MethodPost,
				URL:    c.baseURL + "/api/query",
				Status: http.StatusOK,
				Reason: err.Error(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Action returns the action definition XML for id.
func (c *Client) Action(ctx context.Context, id int64) (string, error) {
	return c.getText(ctx, actionPath(id))
}

// ActionStatus returns the action status XML for id.
func (c *Client) ActionStatus(ctx context.Context, id int64) (string, error) {
	return c.getText(ctx, actionPath(id)+"/status")
}

// DeleteAction deletes the action and returns the server's confirmation body
// ("ok" on success). Deletes are never retried.
func (c *Client) DeleteAction(ctx context.Context, id int64) (string, error) {
	raw, err := c.do(ctx, http.MethodDelete, actionPath(id), nil, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func actionPath(id int64) string {
	return "/api/action/" + strconv.FormatInt(id, 10)
}

func (c *Client) getText(ctx context.Context, p string) (string, error) {
	var text string
	err := c.retry(ctx, func() error {
		raw, err := c.do(ctx, http.MethodGet, p, nil, "")
		if err != nil {
			return err
		}
		text = string(raw)
		return nil
	})
	return text, err
}

// retry runs op, retrying only on ConnectionError.
func (c *Client) retry(ctx context.Context, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		var connErr *ConnectionError
		if !errors.As(err, &connErr) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Warn("transient connection error, retrying", "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(c.newBackOff(), ctx))
}

// do issues one request and classifies failures into the package error types.
func (c *Client) do(ctx context.Context, method, p string, body io.Reader, contentType string) ([]byte, error) {
	u := c.baseURL + p
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, u, err)
	}
	req.SetBasicAuth(c.user, c.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Op: method, URL: u, Err: fmt.Errorf("read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthenticationError{URL: u, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{
			Method: method,
			URL:    u,
			Status: resp.StatusCode,
			Reason: http.StatusText(resp.StatusCode),
			Body:   truncate(string(bytes.TrimSpace(raw)), maxErrorBody),
		}
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// QueryResult is a decoded /api/query response.
type QueryResult struct {
	// Query is the literal relevance text that produced the result.
	Query string
	// Rows holds one element per result tuple, as delivered by the server.
	Rows []json.RawMessage

	fields map[string]json.RawMessage
}

func decodeQueryResult(raw []byte, relevance string) (*QueryResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	if msg, ok := fields["error"]; ok {
		var text string
		if err := json.Unmarshal(msg, &text); err != nil {
			text = string(msg)
		}
		return nil, fmt.Errorf("relevance error: %s", text)
	}

	res := &QueryResult{Query: relevance, fields: fields}

	result, ok := fields["result"]
	if !ok || string(result) == "null" {
		return res, nil
	}

	plural := true
	if p, ok := fields["plural"]; ok {
		_ = json.Unmarshal(p, &plural)
	}
	if !plural {
		res.Rows = []json.RawMessage{result}
		return res, nil
	}
	if err := json.Unmarshal(result, &res.Rows); err != nil {
		return nil, fmt.Errorf("decode query result rows: %w", err)
	}
	return res, nil
}

// ManifestJSON renders the full response plus the query text, with sorted keys
// and a four-space indent.
func (r *QueryResult) ManifestJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		out[k] = v
	}
	if _, ok := out["result"]; !ok {
		out["result"] = json.RawMessage("[]")
	}
	q, err := json.Marshal(r.Query)
	if err != nil {
		return nil, fmt.Errorf("marshal query text: %w", err)
	}
	out["query"] = q

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("marshal query result: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
