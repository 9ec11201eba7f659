package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/storesync/internal/cache"
	"github.com/l0p7/storesync/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// CredentialSource yields the bearer token for authenticated calls. An empty
// token or any error means no credential is available.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configure a Coordinator.
type Options struct {
	BaseURL     string
	Transport   Transport
	Credentials CredentialSource
	Store       *cache.Store
	// Timeout bounds shared in-flight calls, which are detached from any
	// single caller's context.
	Timeout time.Duration
	// Coalesce lets concurrent cacheable GETs for the same key share one call.
	Coalesce bool
	// HonorNoStore skips the cache write when a response carries no-store.
	HonorNoStore bool
	UserAgent    string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Coordinator issues resource calls, injects credentials, classifies outcomes
// and writes successful payloads to the cache.
type Coordinator struct {
	base         *url.URL
	transport    Transport
	credentials  CredentialSource
	store        *cache.Store
	timeout      time.Duration
	coalesce     bool
	honorNoStore bool
	userAgent    string
	logger       *slog.Logger
	metrics      *metrics.Recorder

	group   singleflight.Group
	fmu     sync.Mutex
	flights map[string]*flight
}

// flight is the detached context shared by every waiter of one coalesced call.
// It is cancelled once the last waiter leaves.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// New builds a Coordinator. A nil transport selects net/http with the
// configured timeout.
func New(opts Options) (*Coordinator, error) {
	var base *url.URL
	if trimmed := strings.TrimSpace(opts.BaseURL); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("fetch: parse base url: %w", err)
		}
		if !parsed.IsAbs() {
			return nil, fmt.Errorf("fetch: base url %q must be absolute", trimmed)
		}
		base = parsed
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewHTTPTransport(&http.Client{Timeout: timeout}, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		base:         base,
		transport:    transport,
		credentials:  opts.Credentials,
		store:        opts.Store,
		timeout:      timeout,
		coalesce:     opts.Coalesce,
		honorNoStore: opts.HonorNoStore,
		userAgent:    opts.UserAgent,
		logger:       logger.With(slog.String("agent", "fetch")),
		metrics:      opts.Metrics,
		flights:      make(map[string]*flight),
	}, nil
}

// Store exposes the cache the coordinator writes to. It may be nil.
func (c *Coordinator) Store() *cache.Store { return c.store }

// Resolve validates raw and resolves it against the base URL.
func (c *Coordinator) Resolve(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &Error{Kind: KindValidation, Err: errors.New("url is required")}
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", &Error{Kind: KindValidation, URL: trimmed, Err: err}
	}
	if !parsed.IsAbs() {
		if c.base == nil {
			return "", &Error{Kind: KindValidation, URL: trimmed, Err: errors.New("relative url without a base url")}
		}
		parsed = c.base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &Error{Kind: KindValidation, URL: trimmed, Err: fmt.Errorf("unsupported scheme %q", parsed.Scheme)}
	}
	if parsed.Host == "" {
		return "", &Error{Kind: KindValidation, URL: trimmed, Err: errors.New("url has no host")}
	}
	return parsed.String(), nil
}

// Issue performs one call for rawURL under policy. Failures are returned as
// *Error. A call whose context is cancelled before or while it runs yields
// KindCancelled and never writes the cache.
func (c *Coordinator) Issue(ctx context.Context, rawURL string, policy Policy, opts RequestOptions) (Response, error) {
	resolved, err := c.Resolve(rawURL)
	if err != nil {
		return Response{}, err
	}
	if ctx.Err() != nil {
		return Response{}, &Error{Kind: KindCancelled, URL: resolved, Err: ctx.Err()}
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}

	header := opts.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	if c.userAgent != "" && header.Get("User-Agent") == "" {
		header.Set("User-Agent", c.userAgent)
	}
	if len(opts.Body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	if policy.SkipCache {
		header.Set("Cache-Control", "no-cache, no-store, max-age=0")
		header.Set("Pragma", "no-cache")
	}
	if policy.RequiresAuth {
		token, err := c.token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, &Error{Kind: KindCancelled, URL: resolved, Err: ctx.Err()}
			}
			c.metrics.ObserveFetch(method, string(KindAuthRequired), 0)
			return Response{}, &Error{Kind: KindAuthRequired, URL: resolved, Err: err}
		}
		header.Set("Authorization", "Bearer "+token)
	}

	key := cache.NewKey(resolved, policy.RequiresAuth)
	var generation uint64
	if c.store != nil {
		generation = c.store.NextGeneration()
	}
	req := Request{Method: method, URL: resolved, Header: header, Body: opts.Body}

	if c.coalesce && method == http.MethodGet && !policy.SkipCache && len(opts.Body) == 0 {
		flightKey := key.String()
		if opts.Fresh {
			c.group.Forget(flightKey)
		} else {
			return c.shared(ctx, flightKey, req, key, policy, generation)
		}
	}
	return c.roundTrip(ctx, req, key, policy, generation)
}

func (c *Coordinator) token(ctx context.Context) (string, error) {
	if c.credentials == nil {
		return "", errors.New("no credential source configured")
	}
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("no credential present")
	}
	return token, nil
}

// shared joins or starts the coalesced call for flightKey.
func (c *Coordinator) shared(ctx context.Context, flightKey string, req Request, key cache.Key, policy Policy, generation uint64) (Response, error) {
	f := c.join(flightKey)
	defer c.leave(flightKey, f)

	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.roundTrip(f.ctx, req, key, policy, generation)
	})
	select {
	case <-ctx.Done():
		return Response{}, &Error{Kind: KindCancelled, URL: req.URL, Err: ctx.Err()}
	case res := <-ch:
		if ctx.Err() != nil {
			return Response{}, &Error{Kind: KindCancelled, URL: req.URL, Err: ctx.Err()}
		}
		if res.Err != nil {
			return Response{}, res.Err
		}
		resp := res.Val.(Response)
		if res.Shared {
			resp.Body = bytes.Clone(resp.Body)
			resp.Header = resp.Header.Clone()
		}
		return resp, nil
	}
}

func (c *Coordinator) join(flightKey string) *flight {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	f, ok := c.flights[flightKey]
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		f = &flight{ctx: ctx, cancel: cancel}
		c.flights[flightKey] = f
	}
	f.refs++
	return f
}

func (c *Coordinator) leave(flightKey string, f *flight) {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	f.refs--
	if f.refs > 0 {
		return
	}
	if c.flights[flightKey] == f {
		delete(c.flights, flightKey)
	}
	c.group.Forget(flightKey)
	f.cancel()
}

func (c *Coordinator) roundTrip(ctx context.Context, req Request, key cache.Key, policy Policy, generation uint64) (Response, error) {
	start := time.Now()
	resp, err := c.transport.Do(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
			c.metrics.ObserveFetch(req.Method, string(KindCancelled), elapsed)
			return Response{}, &Error{Kind: KindCancelled, URL: req.URL, Err: err}
		}
		c.metrics.ObserveFetch(req.Method, string(KindNetwork), elapsed)
		c.logger.Debug("fetch network failure", slog.String("url", req.URL), slog.Any("error", err))
		return Response{}, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	if ctx.Err() != nil {
		// The response raced a cancellation; it must not be applied.
		c.metrics.ObserveFetch(req.Method, string(KindCancelled), elapsed)
		return Response{}, &Error{Kind: KindCancelled, URL: req.URL, Err: ctx.Err()}
	}

	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		c.metrics.ObserveFetch(req.Method, string(KindUnauthorized), elapsed)
		return Response{}, &Error{Kind: KindUnauthorized, Status: resp.Status, Body: resp.Body, URL: req.URL}
	case resp.Status < 200 || resp.Status > 299:
		c.metrics.ObserveFetch(req.Method, string(KindHTTP), elapsed)
		return Response{}, &Error{Kind: KindHTTP, Status: resp.Status, Body: resp.Body, URL: req.URL}
	}
	c.metrics.ObserveFetch(req.Method, "ok", elapsed)

	if c.store != nil && !policy.SkipCache {
		c.write(key, resp, generation)
	}
	return resp, nil
}

func (c *Coordinator) write(key cache.Key, resp Response, generation uint64) {
	if c.honorNoStore && parseCacheControl(resp.Header.Get("Cache-Control")).NoStore {
		c.metrics.ObserveCacheStore(metrics.CacheStoreSkipped)
		return
	}
	applied, err := c.store.PutIssued(key, resp.Body, generation)
	switch {
	case err != nil:
		c.metrics.ObserveCacheStore(metrics.CacheStoreError)
		c.logger.Warn("cache write failed", slog.String("key", key.String()), slog.Any("error", err))
	case !applied:
		c.metrics.ObserveCacheStore(metrics.CacheStoreStale)
		c.logger.Debug("cache write superseded", slog.String("key", key.String()), slog.Uint64("generation", generation))
	default:
		c.metrics.ObserveCacheStore(metrics.CacheStoreStored)
	}
}
