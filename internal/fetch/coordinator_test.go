package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/storesync/internal/cache"
)

type stubTransport struct {
	mu      sync.Mutex
	calls   []Request
	handler func(ctx context.Context, req Request) (Response, error)
}

func (s *stubTransport) Do(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.handler == nil {
		return Response{URL: req.URL, Status: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
	}
	return s.handler(ctx, req)
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, transport Transport, mutate func(*Options)) (*Coordinator, *cache.Store) {
	t.Helper()
	store := cache.New(cache.NewMemory(), clock.NewMock())
	opts := Options{
		BaseURL:   "https://api.example",
		Transport: transport,
		Store:     store,
		Timeout:   time.Second,
		Logger:    newTestLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c, store
}

func TestIssueValidationBeforeIO(t *testing.T) {
	transport := &stubTransport{}
	c, _ := newTestCoordinator(t, transport, nil)

	for _, raw := range []string{"", "   ", "ftp://api.example/x", "https://"} {
		_, err := c.Issue(context.Background(), raw, Policy{}, RequestOptions{})
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrValidation, raw)
	}
	assert.Equal(t, 0, transport.count())
}

func TestIssueRelativeURLWithoutBase(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubTransport{}, func(o *Options) { o.BaseURL = "" })
	_, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIssueAuthRequiredWithoutCredential(t *testing.T) {
	transport := &stubTransport{}
	c, store := newTestCoordinator(t, transport, nil)

	_, err := c.Issue(context.Background(), "/orders", Policy{RequiresAuth: true}, RequestOptions{})
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 0, transport.count(), "no network call without a credential")
	assert.Equal(t, 0, store.Len())

	c, _ = newTestCoordinator(t, transport, func(o *Options) { o.Credentials = staticToken("  ") })
	_, err = c.Issue(context.Background(), "/orders", Policy{RequiresAuth: true}, RequestOptions{})
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 0, transport.count())
}

func TestIssueInjectsHeaders(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	c, store := newTestCoordinator(t, NewHTTPTransport(srv.Client(), 0), func(o *Options) {
		o.BaseURL = srv.URL
		o.Credentials = staticToken("tok-123")
		o.UserAgent = "storesync-test"
	})

	resp, err := c.Issue(context.Background(), "/orders/1", Policy{RequiresAuth: true, SkipCache: true}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Bearer tok-123", seen.Get("Authorization"))
	assert.Equal(t, "no-cache", seen.Get("Pragma"))
	assert.Contains(t, seen.Get("Cache-Control"), "no-store")
	assert.Equal(t, "storesync-test", seen.Get("User-Agent"))
	assert.Equal(t, 0, store.Len(), "skipCache responses are not written")

	var payload struct {
		ID int `json:"id"`
	}
	require.NoError(t, resp.Decode(&payload))
	assert.Equal(t, 1, payload.ID)
}

func TestIssueWritesCacheOnSuccess(t *testing.T) {
	transport := &stubTransport{}
	c, store := newTestCoordinator(t, transport, nil)

	_, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
	require.NoError(t, err)

	entry, ok := store.Get(cache.NewKey("https://api.example/products", false))
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(entry.Payload))

	_, ok = store.Get(cache.NewKey("https://api.example/products", true))
	assert.False(t, ok, "auth variant is a distinct key")
}

func TestIssueHonorsNoStore(t *testing.T) {
	transport := &stubTransport{handler: func(_ context.Context, req Request) (Response, error) {
		return Response{URL: req.URL, Status: http.StatusOK, Header: http.Header{"Cache-Control": {"private, no-store"}}, Body: []byte("{}")}, nil
	}}
	c, store := newTestCoordinator(t, transport, func(o *Options) { o.HonorNoStore = true })

	_, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestIssueClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   *Error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, want: ErrUnauthorized},
		{name: "server error", status: http.StatusInternalServerError, want: &Error{Kind: KindHTTP, Status: 500}},
		{name: "not found", status: http.StatusNotFound, want: &Error{Kind: KindHTTP, Status: 404}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			transport := &stubTransport{handler: func(_ context.Context, req Request) (Response, error) {
				return Response{URL: req.URL, Status: tc.status, Body: []byte(`{"message":"nope"}`)}, nil
			}}
			c, store := newTestCoordinator(t, transport, func(o *Options) { o.Credentials = staticToken("t") })
			_, err := c.Issue(context.Background(), "/x", Policy{RequiresAuth: true}, RequestOptions{})
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, 0, store.Len())

			var fe *Error
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tc.status, fe.Status)
		})
	}
}

func TestIssueNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c, _ := newTestCoordinator(t, NewHTTPTransport(&http.Client{}, 0), func(o *Options) { o.BaseURL = addr })
	_, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
	require.ErrorIs(t, err, ErrNetwork)
	assert.True(t, Retryable(err))
}

func TestIssueCancelledDoesNotWrite(t *testing.T) {
	started := make(chan struct{})
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (Response, error) {
		close(started)
		<-ctx.Done()
		return Response{}, ctx.Err()
	}}
	c, store := newTestCoordinator(t, transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Issue(ctx, "/products", Policy{}, RequestOptions{})
		errCh <- err
	}()
	<-started
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, 0, store.Len())
}

func TestIssueLateResponseAfterCancelIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transport := &stubTransport{handler: func(_ context.Context, req Request) (Response, error) {
		// transport ignores ctx and completes anyway
		cancel()
		return Response{URL: req.URL, Status: http.StatusOK, Body: []byte("late")}, nil
	}}
	c, store := newTestCoordinator(t, transport, nil)

	_, err := c.Issue(ctx, "/products", Policy{}, RequestOptions{})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, store.Len())
}

func TestSlotSupersedesPreviousCall(t *testing.T) {
	releaseB := make(chan struct{})
	startedA := make(chan struct{})
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (Response, error) {
		switch req.URL {
		case "https://api.example/a":
			close(startedA)
			<-ctx.Done()
			return Response{}, ctx.Err()
		default:
			<-releaseB
			return Response{URL: req.URL, Status: http.StatusOK, Body: []byte("b")}, nil
		}
	}}
	c, store := newTestCoordinator(t, transport, nil)
	slot := c.Slot()

	errA := make(chan error, 1)
	go func() {
		_, err := slot.Issue(context.Background(), "/a", Policy{}, RequestOptions{})
		errA <- err
	}()
	<-startedA

	respB := make(chan Response, 1)
	go func() {
		resp, err := slot.Issue(context.Background(), "/b", Policy{}, RequestOptions{})
		assert.NoError(t, err)
		respB <- resp
	}()

	require.ErrorIs(t, <-errA, ErrCancelled)
	close(releaseB)
	assert.Equal(t, []byte("b"), (<-respB).Body)

	_, ok := store.Get(cache.NewKey("https://api.example/a", false))
	assert.False(t, ok)
	_, ok = store.Get(cache.NewKey("https://api.example/b", false))
	assert.True(t, ok)
}

func TestSlotCancel(t *testing.T) {
	started := make(chan struct{})
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (Response, error) {
		close(started)
		<-ctx.Done()
		return Response{}, ctx.Err()
	}}
	c, _ := newTestCoordinator(t, transport, nil)
	slot := c.Slot()

	errCh := make(chan error, 1)
	go func() {
		_, err := slot.Issue(context.Background(), "/a", Policy{}, RequestOptions{})
		errCh <- err
	}()
	<-started
	slot.Cancel()
	require.ErrorIs(t, <-errCh, ErrCancelled)
	slot.Cancel()
}

func TestCoalescedCallsShareOneRequest(t *testing.T) {
	release := make(chan struct{})
	var inflight atomic.Int32
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (Response, error) {
		inflight.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
		return Response{URL: req.URL, Status: http.StatusOK, Body: []byte("shared")}, nil
	}}
	c, _ := newTestCoordinator(t, transport, func(o *Options) { o.Coalesce = true })

	var wg sync.WaitGroup
	results := make(chan []byte, 2)
	issue := func() {
		defer wg.Done()
		resp, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
		assert.NoError(t, err)
		results <- resp.Body
	}
	wg.Add(1)
	go issue()
	require.Eventually(t, func() bool { return inflight.Load() == 1 }, time.Second, time.Millisecond)
	wg.Add(1)
	go issue()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, transport.count())
	assert.Equal(t, []byte("shared"), <-results)
	assert.Equal(t, []byte("shared"), <-results)
}

func TestCoalescedWaiterCancelKeepsSharedCall(t *testing.T) {
	release := make(chan struct{})
	var inflight atomic.Int32
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (Response, error) {
		inflight.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
		return Response{URL: req.URL, Status: http.StatusOK, Body: []byte("shared")}, nil
	}}
	c, store := newTestCoordinator(t, transport, func(o *Options) { o.Coalesce = true })

	survivor := make(chan error, 1)
	go func() {
		_, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
		survivor <- err
	}()
	require.Eventually(t, func() bool { return inflight.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	leaver := make(chan error, 1)
	go func() {
		_, err := c.Issue(ctx, "/products", Policy{}, RequestOptions{})
		leaver <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-leaver, ErrCancelled)

	close(release)
	require.NoError(t, <-survivor)
	assert.Equal(t, 1, store.Len())
}

func TestFreshRequestSkipsSharedCall(t *testing.T) {
	transport := &stubTransport{}
	c, _ := newTestCoordinator(t, transport, func(o *Options) { o.Coalesce = true })

	_, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{Fresh: true})
	require.NoError(t, err)
	_, err = c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.count())
}

func TestHTTPTransportSurfacesContextError(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.Client(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := transport.Do(ctx, Request{Method: http.MethodGet, URL: srv.URL})
		errCh <- err
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestHTTPTransportRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":["a","b","c","d","e","f","g","h"]}`))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.Client(), 16)
	_, err := transport.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.ErrorIs(t, err, ErrBodyTooLarge)

	exact := NewHTTPTransport(srv.Client(), 43)
	resp, err := exact.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 43)
}

func TestIssueOversizedBodyIsNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":["a","b","c","d","e","f","g","h"]}`))
	}))
	defer srv.Close()

	c, store := newTestCoordinator(t, NewHTTPTransport(srv.Client(), 16), func(o *Options) {
		o.BaseURL = srv.URL
	})
	_, err := c.Issue(context.Background(), "/products", Policy{}, RequestOptions{})
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Equal(t, 0, store.Len())
}
