package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/l0p7/storesync/internal/binding"
	"github.com/l0p7/storesync/internal/cache"
	"github.com/l0p7/storesync/internal/confirmation"
	"github.com/l0p7/storesync/internal/fetch"
	"github.com/l0p7/storesync/internal/metrics"
)

const maxRequestBody = 64 << 10

// Deps are the components the inspection facade serves. Registry may be nil
// when confirmations are not configured.
type Deps struct {
	Binder      *binding.Binder
	Coordinator *fetch.Coordinator
	Policies    map[string]fetch.Policy
	Registry    *confirmation.Registry
	// DefaultTimeout applies when a start request omits timeoutSeconds.
	DefaultTimeout int
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
}

type facade struct {
	Deps
	logger *slog.Logger
}

// NewHandler builds the HTTP facade over the resource and confirmation core.
func NewHandler(deps Deps) (http.Handler, error) {
	if deps.Binder == nil || deps.Coordinator == nil {
		return nil, errors.New("server: binder and coordinator required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &facade{Deps: deps, logger: logger.With(slog.String("agent", "facade"))}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", f.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/resources", f.handleGetResource).Methods(http.MethodGet)
	router.HandleFunc("/resources", f.handleInvalidate).Methods(http.MethodDelete)
	router.HandleFunc("/confirmations", f.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/confirmations/{orderID}", f.handleGetSession).Methods(http.MethodGet)
	router.HandleFunc("/confirmations/{orderID}/cancel", f.handleCancel).Methods(http.MethodPost)
	router.HandleFunc("/confirmations/{orderID}", f.handleRelease).Methods(http.MethodDelete)
	router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	return router, nil
}

func (f *facade) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if store := f.Coordinator.Store(); store != nil {
		body["cacheEntries"] = store.Len()
	}
	if f.Registry != nil {
		body["sessions"] = f.Registry.Len()
	}
	f.writeJSON(w, http.StatusOK, body)
}

type resourceResponse struct {
	URL       string          `json:"url"`
	FromCache bool            `json:"fromCache"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data,omitempty"`
	Text      string          `json:"text,omitempty"`
}

func (f *facade) handleGetResource(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	policy, ok := f.policy(query.Get("policy"))
	if !ok {
		f.writeError(w, http.StatusBadRequest, "unknown_policy", "unknown policy "+strconv.Quote(query.Get("policy")))
		return
	}
	target := query.Get("url")
	if refresh, _ := strconv.ParseBool(query.Get("refresh")); refresh {
		f.invalidate(target, policy)
	}

	bd := f.Binder.Bind(r.Context(), target, policy)
	defer bd.Close()
	state, err := bd.Wait(r.Context())
	if err != nil {
		return
	}
	if state.Err != nil {
		f.writeFetchError(w, state.Err, state.Message)
		return
	}
	if state.Loading {
		// Torn down by the client before an outcome arrived.
		return
	}
	resp := resourceResponse{URL: state.URL, FromCache: state.FromCache, UpdatedAt: state.UpdatedAt}
	if json.Valid(state.Data) {
		resp.Data = json.RawMessage(state.Data)
	} else {
		resp.Text = string(state.Data)
	}
	f.writeJSON(w, http.StatusOK, resp)
}

func (f *facade) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	store := f.Coordinator.Store()
	if store == nil {
		f.writeError(w, http.StatusServiceUnavailable, "no_cache", "cache not configured")
		return
	}
	query := r.URL.Query()
	if all, _ := strconv.ParseBool(query.Get("all")); all {
		store.Clear()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if prefix := query.Get("prefix"); prefix != "" {
		resolved, err := f.Coordinator.Resolve(prefix)
		if err != nil {
			f.writeFetchError(w, err, fetch.Describe(err))
			return
		}
		store.InvalidatePrefix(resolved)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	policy, ok := f.policy(query.Get("policy"))
	if !ok {
		f.writeError(w, http.StatusBadRequest, "unknown_policy", "unknown policy "+strconv.Quote(query.Get("policy")))
		return
	}
	if _, err := f.Coordinator.Resolve(query.Get("url")); err != nil {
		f.writeFetchError(w, err, fetch.Describe(err))
		return
	}
	f.invalidate(query.Get("url"), policy)
	w.WriteHeader(http.StatusNoContent)
}

func (f *facade) invalidate(target string, policy fetch.Policy) {
	store := f.Coordinator.Store()
	if store == nil {
		return
	}
	if resolved, err := f.Coordinator.Resolve(target); err == nil {
		store.Invalidate(cache.NewKey(resolved, policy.RequiresAuth))
	}
}

func (f *facade) policy(name string) (fetch.Policy, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	policy, ok := f.Policies[name]
	if !ok && name == "default" {
		return fetch.Policy{}, true
	}
	return policy, ok
}

type startRequest struct {
	OrderID        string `json:"orderId"`
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (f *facade) handleStart(w http.ResponseWriter, r *http.Request) {
	if !f.confirmationsEnabled(w) {
		return
	}
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		f.writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = f.DefaultTimeout
	}
	sess, err := f.Registry.Start(confirmation.StartParams{
		OrderID:        req.OrderID,
		Token:          req.Token,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		if errors.Is(err, confirmation.ErrInvalidParams) {
			f.writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
			return
		}
		f.writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	f.writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (f *facade) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := f.session(w, r)
	if !ok {
		return
	}
	f.writeJSON(w, http.StatusOK, sess.Snapshot())
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (f *facade) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := f.session(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			f.writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	err := sess.Cancel(r.Context(), req.Reason)
	var cancelErr *confirmation.CancelError
	switch {
	case err == nil:
		f.writeJSON(w, http.StatusOK, sess.Snapshot())
	case errors.As(err, &cancelErr):
		f.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     "cancel_failed",
			"message":   cancelMessage(cancelErr.Err),
			"retryable": cancelErr.Retryable(),
			"session":   sess.Snapshot(),
		})
	case errors.Is(err, confirmation.ErrTerminal):
		f.writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "terminal",
			"message": err.Error(),
			"session": sess.Snapshot(),
		})
	case errors.Is(err, confirmation.ErrClosed):
		f.writeError(w, http.StatusGone, "closed", err.Error())
	default:
		f.writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
	}
}

func cancelMessage(err error) string {
	if msg := fetch.Describe(err); msg != "" {
		return msg
	}
	return err.Error()
}

func (f *facade) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !f.confirmationsEnabled(w) {
		return
	}
	if !f.Registry.Release(mux.Vars(r)["orderID"]) {
		f.writeError(w, http.StatusNotFound, "not_found", "no session for order")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *facade) session(w http.ResponseWriter, r *http.Request) (*confirmation.Session, bool) {
	if !f.confirmationsEnabled(w) {
		return nil, false
	}
	sess, ok := f.Registry.Get(mux.Vars(r)["orderID"])
	if !ok {
		f.writeError(w, http.StatusNotFound, "not_found", "no session for order")
		return nil, false
	}
	return sess, true
}

func (f *facade) confirmationsEnabled(w http.ResponseWriter) bool {
	if f.Registry == nil {
		f.writeError(w, http.StatusServiceUnavailable, "disabled", "confirmations not configured")
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed json body")
	}
	return nil
}

func (f *facade) writeFetchError(w http.ResponseWriter, err error, message string) {
	status := http.StatusBadGateway
	kind := fetch.KindOf(err)
	switch kind {
	case fetch.KindValidation:
		status = http.StatusBadRequest
	case fetch.KindAuthRequired:
		status = http.StatusUnauthorized
	case fetch.KindUnauthorized:
		status = http.StatusForbidden
	case fetch.KindCancelled:
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"error":     string(kind),
		"message":   message,
		"retryable": fetch.Retryable(err),
	}
	var fe *fetch.Error
	if errors.As(err, &fe) && fe.Status != 0 {
		body["upstreamStatus"] = fe.Status
	}
	f.writeJSON(w, status, body)
}

func (f *facade) writeError(w http.ResponseWriter, status int, code, message string) {
	f.writeJSON(w, status, map[string]any{"error": code, "message": message})
}

func (f *facade) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		f.logger.Warn("failed to write response", slog.Any("error", err))
	}
}
