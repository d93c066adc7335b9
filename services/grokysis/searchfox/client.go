// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchfox

import (
	"bufio"
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
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// MaxResponseSize bounds how much of a response body is read.
const MaxResponseSize = 32 * 1024 * 1024

// Sentinel errors for the searchfox client.
var (
	// ErrBadStatus indicates a non-2xx response.
	ErrBadStatus = errors.New("searchfox returned non-success status")

	// ErrEmptyQuery indicates Search was called with an empty query.
	ErrEmptyQuery = errors.New("empty search query")
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grokysis_searchfox_requests_total",
		Help: "Total searchfox requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grokysis_searchfox_request_duration_seconds",
		Help:    "Searchfox request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grokysis_searchfox_cache_hits_total",
		Help: "Searchfox client cache hits by endpoint",
	}, []string{"endpoint"})
)

var tracer = otel.Tracer("grokysis.searchfox")

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the searchfox origin, e.g. "https://searchfox.org".
	BaseURL string

	// Tree is the indexed tree name, e.g. "mozilla-central".
	Tree string

	// RequestsPerSecond limits outgoing requests. Zero disables limiting.
	// Default: 8
	RequestsPerSecond float64

	// Burst is the limiter burst size.
	// Default: 4
	Burst int

	// CacheSize is the number of responses kept per endpoint. Zero disables.
	// Default: 512
	CacheSize int

	// Timeout is the per-request HTTP timeout.
	// Default: 30s
	Timeout time.Duration

	// HTTPClient overrides the transport. Used by tests.
	HTTPClient *http.Client

	// Logger receives request diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultClientConfig returns defaults for the public searchfox instance.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           "https://searchfox.org",
		Tree:              "mozilla-central",
		RequestsPerSecond: 8,
		Burst:             4,
		CacheSize:         512,
		Timeout:           30 * time.Second,
	}
}

// Client is the HTTP implementation of Searcher and FileFetcher.
//
// Thread Safety:
//
//	Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	tree    string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	searchCache *lru.Cache[string, SearchResults]
	fileCache   *lru.Cache[string, []json.RawMessage]
}

var (
	_ Searcher    = (*Client)(nil)
	_ FileFetcher = (*Client)(nil)
)

// NewClient creates a searchfox client.
//
// Inputs:
//
//	cfg - Client configuration. BaseURL and Tree are required.
//
// Outputs:
//
//	*Client - Ready-to-use client.
//	error - Non-nil if BaseURL cannot be parsed or Tree is empty.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Tree == "" {
		return nil, errors.New("searchfox tree is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid searchfox base url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:   base,
		tree:   cfg.Tree,
		http:   httpClient,
		logger: logger.With("component", "searchfox"),
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.CacheSize > 0 {
		if c.searchCache, err = lru.New[string, SearchResults](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("create search cache: %w", err)
		}
		if c.fileCache, err = lru.New[string, []json.RawMessage](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("create file cache: %w", err)
		}
	}

	return c, nil
}

// Search runs one query against the tree's search endpoint.
//
// Description:
//
//	Issues GET {base}/{tree}/search?q=<query> with an Accept: application/json
//	header and decodes the result with DecodeResults. Successful responses
//	are cached by query string.
//
// Inputs:
//
//	ctx - Context for cancellation and rate limiter waits.
//	query - Query such as SymbolQuery(raw) or IdentifierQuery(id).
//
// Outputs:
//
//	SearchResults - Decoded results.
//	error - Non-nil on transport, status or decoding failure.
func (c *Client) Search(ctx context.Context, query string) (SearchResults, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if c.searchCache != nil {
		if cached, ok := c.searchCache.Get(query); ok {
			cacheHitsTotal.WithLabelValues("search").Inc()
			return cached, nil
		}
	}

	ctx, span := tracer.Start(ctx, "searchfox.Search",
		trace.WithAttributes(attribute.String("searchfox.query", query)))
	defer span.End()

	u := c.base.JoinPath(c.tree, "search")
	q := u.Query()
	q.Set("q", query)
	q.Set("case", "true")
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, "search", u.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results, err := DecodeResults(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("searchfox.symbols", len(results)))

	if c.searchCache != nil {
		c.searchCache.Add(query, results)
	}
	return results, nil
}

// FetchFile fetches the raw analysis records for a source path.
//
// Description:
//
//	Issues GET {base}/{tree}/raw-analysis/{path} and splits the body into
//	one json.RawMessage per non-empty line. Lines that are not valid JSON
//	are logged and skipped.
func (c *Client) FetchFile(ctx context.Context, path string) ([]json.RawMessage, error) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return nil, errors.New("file path is required")
	}
	if c.fileCache != nil {
		if cached, ok := c.fileCache.Get(path); ok {
			cacheHitsTotal.WithLabelValues("raw-analysis").Inc()
			return cached, nil
		}
	}

	ctx, span := tracer.Start(ctx, "searchfox.FetchFile",
		trace.WithAttributes(attribute.String("searchfox.path", path)))
	defer span.End()

	u := c.base.JoinPath(c.tree, "raw-analysis", path)
	body, err := c.get(ctx, "raw-analysis", u.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var records []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxResponseSize)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			c.logger.Warn("skipping malformed analysis record", "path", path, "line", lineNo)
			continue
		}
		records = append(records, json.RawMessage(bytes.Clone(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read analysis records for %s: %w", path, err)
	}

	if c.fileCache != nil {
		c.fileCache.Add(path, records)
	}
	return records, nil
}

// get performs a rate-limited GET and returns the body.
func (c *Client) get(ctx context.Context, endpoint, target string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return nil, fmt.Errorf("searchfox %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s %d", ErrBadStatus, endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "read_error").Inc()
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()
	c.logger.Debug("searchfox request", "endpoint", endpoint, "bytes", len(body), "duration", time.Since(start))
	return body, nil
}
