// Package rest implements the resource protocol Synchronizer over HTTP.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ironhee/jsonapi/internal/jsonapi"
)

const (
	MediaType       = "application/vnd.api+json"
	RequestIDHeader = "X-Request-Id"

	DefaultMaxResponseBytes = int64(8 * 1024 * 1024)

	defaultHTTPTimeout        = 60 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTLSTimeout     = 5 * time.Second

	errorBodyExcerpt = 512
)

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHTTPTimeout,
	}
}

// Config configures a Client.
type Config struct {
	BaseURL          string            // relative resource URLs are resolved against it
	HTTP             *http.Client      // optional
	Headers          map[string]string // sent with every request
	MaxResponseBytes int64             // default 8 MiB
	Log              *slog.Logger      // optional
}

// Client is a jsonapi.Synchronizer speaking JSON over HTTP.
type Client struct {
	base     *url.URL
	http     *http.Client
	headers  map[string]string
	maxBytes int64
	log      *slog.Logger
}

func New(cfg Config) (*Client, error) {
	c := &Client{
		http:     cfg.HTTP,
		headers:  make(map[string]string, len(cfg.Headers)),
		maxBytes: cfg.MaxResponseBytes,
		log:      cfg.Log,
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("%w: base url: %v", jsonapi.ErrConfiguration, err)
		}
		c.base = base
	}
	if c.http == nil {
		c.http = defaultHTTPClient()
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxResponseBytes
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "rest")
	for k, v := range cfg.Headers {
		c.headers[k] = v
	}
	return c, nil
}

func (c *Client) Get(ctx context.Context, url string, params url.Values) (jsonapi.Document, error) {
	return c.do(ctx, http.MethodGet, url, params, nil)
}

func (c *Client) Post(ctx context.Context, url string, body jsonapi.Document) (jsonapi.Document, error) {
	return c.do(ctx, http.MethodPost, url, nil, &body)
}

func (c *Client) Patch(ctx context.Context, url string, body jsonapi.Document) (jsonapi.Document, error) {
	return c.do(ctx, http.MethodPatch, url, nil, &body)
}

func (c *Client) Delete(ctx context.Context, url string, body *jsonapi.Document) (jsonapi.Document, error) {
	return c.do(ctx, http.MethodDelete, url, nil, body)
}

func (c *Client) resolve(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: url %q: %v", jsonapi.ErrValidation, raw, err)
	}
	if c.base != nil {
		u = c.base.ResolveReference(u)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, params url.Values, body *jsonapi.Document) (jsonapi.Document, error) {
	target, err := c.resolve(rawURL, params)
	if err != nil {
		return jsonapi.Document{}, err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return jsonapi.Document{}, fmt.Errorf("encode %s body: %w", method, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return jsonapi.Document{}, &jsonapi.TransportError{Method: method, URL: target, Err: err}
	}
	req.Header.Set("Accept", MediaType)
	if body != nil {
		req.Header.Set("Content-Type", MediaType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	requestID := ulid.Make().String()
	req.Header.Set(RequestIDHeader, requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", "method", method, "url", target, "request_id", requestID, "error", err)
		return jsonapi.Document{}, &jsonapi.TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return jsonapi.Document{}, &jsonapi.TransportError{Method: method, URL: target, Status: resp.StatusCode, Err: err}
	}
	c.log.Debug("request", "method", method, "url", target, "status", resp.StatusCode,
		"request_id", requestID, "duration", time.Since(start))
	if int64(len(raw)) > c.maxBytes {
		return jsonapi.Document{}, &jsonapi.TransportError{
			Method: method, URL: target, Status: resp.StatusCode,
			Err: fmt.Errorf("response exceeds %d bytes", c.maxBytes),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(raw))
		if len(excerpt) > errorBodyExcerpt {
			excerpt = excerpt[:errorBodyExcerpt]
		}
		return jsonapi.Document{}, &jsonapi.TransportError{Method: method, URL: target, Status: resp.StatusCode, Body: excerpt}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return jsonapi.Document{}, nil
	}
	var doc jsonapi.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return jsonapi.Document{}, fmt.Errorf("%w: %s %s: decode response: %v", jsonapi.ErrProtocol, method, target, err)
	}
	return doc, nil
}
