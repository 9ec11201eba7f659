package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/l0p7/storesync/internal/binding"
	"github.com/l0p7/storesync/internal/cache"
	"github.com/l0p7/storesync/internal/confirmation"
	"github.com/l0p7/storesync/internal/confirmation/mock"
	"github.com/l0p7/storesync/internal/credentials"
	"github.com/l0p7/storesync/internal/fetch"
	"github.com/l0p7/storesync/internal/metrics"
)

type facadeFixture struct {
	expect    *httpexpect.Expect
	upstream  *atomic.Int32
	store     *cache.Store
	canceller *mock.MockOrderCanceller
}

func newFacade(t *testing.T, withConfirmations bool) facadeFixture {
	t.Helper()
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/products":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[1,2]}`))
		case "/plain":
			_, _ = w.Write([]byte("hello"))
		case "/private":
			if r.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte(`{"secret":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"no such resource"}`))
		}
	}))
	t.Cleanup(upstream.Close)

	logger := newTestLogger()
	rec := metrics.NewRecorder(nil)
	store := cache.New(cache.NewMemory(), clock.New())
	coord, err := fetch.New(fetch.Options{
		BaseURL:     upstream.URL,
		Credentials: credentials.Static("bad"),
		Store:       store,
		Logger:      logger,
		Metrics:     rec,
	})
	require.NoError(t, err)

	deps := Deps{
		Binder:      binding.NewBinder(coord, logger, rec),
		Coordinator: coord,
		Policies: map[string]fetch.Policy{
			"default": {},
			"private": {RequiresAuth: true},
		},
		DefaultTimeout: 60,
		Metrics:        rec,
		Logger:         logger,
	}

	fx := facadeFixture{upstream: &calls, store: store}
	if withConfirmations {
		ctrl := gomock.NewController(t)
		fx.canceller = mock.NewMockOrderCanceller(ctrl)
		svc, err := confirmation.NewService(confirmation.Options{
			Checker:   mock.NewMockStatusChecker(ctrl),
			Canceller: fx.canceller,
			Clock:     clock.NewMock(),
			Logger:    logger,
			Metrics:   rec,
		})
		require.NoError(t, err)
		deps.Registry = confirmation.NewRegistry(context.Background(), svc, time.Minute)
		t.Cleanup(deps.Registry.Close)
	}

	handler, err := NewHandler(deps)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fx.expect = httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Timeout: 5 * time.Second},
	})
	return fx
}

func TestHealthz(t *testing.T) {
	fx := newFacade(t, true)
	obj := fx.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("status").IsEqual("ok")
	obj.Value("cacheEntries").IsEqual(0)
	obj.Value("sessions").IsEqual(0)
}

func TestGetResourceCachesAndRefreshes(t *testing.T) {
	fx := newFacade(t, false)

	first := fx.expect.GET("/resources").WithQuery("url", "/products").
		Expect().Status(http.StatusOK).JSON().Object()
	first.Value("fromCache").IsEqual(false)
	first.Value("data").Object().Value("items").Array().Length().IsEqual(2)

	second := fx.expect.GET("/resources").WithQuery("url", "/products").
		Expect().Status(http.StatusOK).JSON().Object()
	second.Value("fromCache").IsEqual(true)
	require.EqualValues(t, 1, fx.upstream.Load())

	fx.expect.GET("/resources").WithQuery("url", "/products").WithQuery("refresh", "true").
		Expect().Status(http.StatusOK).JSON().Object().Value("fromCache").IsEqual(false)
	require.EqualValues(t, 2, fx.upstream.Load())
}

func TestGetResourceNonJSONPayload(t *testing.T) {
	fx := newFacade(t, false)
	fx.expect.GET("/resources").WithQuery("url", "/plain").
		Expect().Status(http.StatusOK).JSON().Object().Value("text").IsEqual("hello")
}

func TestGetResourceErrors(t *testing.T) {
	fx := newFacade(t, false)

	fx.expect.GET("/resources").Expect().
		Status(http.StatusBadRequest).JSON().Object().Value("error").IsEqual("validation_error")

	fx.expect.GET("/resources").WithQuery("url", "/products").WithQuery("policy", "nope").
		Expect().Status(http.StatusBadRequest).JSON().Object().Value("error").IsEqual("unknown_policy")

	missing := fx.expect.GET("/resources").WithQuery("url", "/missing").
		Expect().Status(http.StatusBadGateway).JSON().Object()
	missing.Value("error").IsEqual("http_error")
	missing.Value("upstreamStatus").IsEqual(http.StatusNotFound)
	missing.Value("retryable").IsEqual(true)
	missing.Value("message").IsEqual("no such resource")

	fx.expect.GET("/resources").WithQuery("url", "/private").WithQuery("policy", "private").
		Expect().Status(http.StatusForbidden).JSON().Object().Value("error").IsEqual("unauthorized")
}

func TestInvalidateResource(t *testing.T) {
	fx := newFacade(t, false)
	fx.expect.GET("/resources").WithQuery("url", "/products").Expect().Status(http.StatusOK)
	require.Equal(t, 1, fx.store.Len())

	fx.expect.DELETE("/resources").WithQuery("url", "/products").Expect().Status(http.StatusNoContent)
	require.Equal(t, 0, fx.store.Len())

	fx.expect.GET("/resources").WithQuery("url", "/products").Expect().Status(http.StatusOK)
	fx.expect.DELETE("/resources").WithQuery("prefix", "/prod").Expect().Status(http.StatusNoContent)
	require.Equal(t, 0, fx.store.Len())

	fx.expect.GET("/resources").WithQuery("url", "/products").Expect().Status(http.StatusOK)
	fx.expect.GET("/resources").WithQuery("url", "/plain").Expect().Status(http.StatusOK)
	fx.expect.DELETE("/resources").WithQuery("all", "true").Expect().Status(http.StatusNoContent)
	require.Equal(t, 0, fx.store.Len())

	fx.expect.DELETE("/resources").Expect().Status(http.StatusBadRequest)
}

func TestConfirmationLifecycle(t *testing.T) {
	fx := newFacade(t, true)
	gomock.InOrder(
		fx.canceller.EXPECT().CancelOrder(gomock.Any(), "ord-1", "changed my mind").Return(errors.New("backend down")),
		fx.canceller.EXPECT().CancelOrder(gomock.Any(), "ord-1", "cancelled by user").Return(nil),
	)

	started := fx.expect.POST("/confirmations").
		WithJSON(map[string]any{"orderId": "ord-1", "token": "tok"}).
		Expect().Status(http.StatusCreated).JSON().Object()
	started.Value("status").IsEqual("PENDING")
	started.Value("remainingSeconds").IsEqual(60)

	fx.expect.GET("/confirmations/ord-1").Expect().Status(http.StatusOK).
		JSON().Object().Value("orderId").IsEqual("ord-1")

	failed := fx.expect.POST("/confirmations/ord-1/cancel").
		WithJSON(map[string]any{"reason": "changed my mind"}).
		Expect().Status(http.StatusBadGateway).JSON().Object()
	failed.Value("retryable").IsEqual(true)
	failed.Value("session").Object().Value("status").IsEqual("PENDING")

	fx.expect.POST("/confirmations/ord-1/cancel").Expect().Status(http.StatusOK).
		JSON().Object().Value("status").IsEqual("CANCELLED")

	fx.expect.DELETE("/confirmations/ord-1").Expect().Status(http.StatusNoContent)
	fx.expect.GET("/confirmations/ord-1").Expect().Status(http.StatusNotFound)
}

func TestConfirmationStartValidation(t *testing.T) {
	fx := newFacade(t, true)
	fx.expect.POST("/confirmations").WithJSON(map[string]any{"orderId": "o"}).
		Expect().Status(http.StatusBadRequest).JSON().Object().Value("error").IsEqual("invalid_params")
	fx.expect.POST("/confirmations").WithText("{").
		Expect().Status(http.StatusBadRequest).JSON().Object().Value("error").IsEqual("invalid_body")
}

func TestConfirmationsDisabled(t *testing.T) {
	fx := newFacade(t, false)
	fx.expect.POST("/confirmations").WithJSON(map[string]any{"orderId": "o", "token": "t"}).
		Expect().Status(http.StatusServiceUnavailable)
	fx.expect.GET("/confirmations/o").Expect().Status(http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFacade(t, false)
	fx.expect.GET("/resources").WithQuery("url", "/products").Expect().Status(http.StatusOK)
	fx.expect.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("storesync_")
}

func TestNewHandlerRequiresCore(t *testing.T) {
	_, err := NewHandler(Deps{})
	require.Error(t, err)
}
