package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed fetch.
type Kind string

const (
	// KindCancelled marks a deliberate supersede or teardown. It is never a
	// user-visible failure.
	KindCancelled Kind = "cancelled"
	// KindAuthRequired marks a call that needed a credential none was present for.
	// The request was never attempted.
	KindAuthRequired Kind = "auth_required"
	// KindUnauthorized marks a backend 401 or 403.
	KindUnauthorized Kind = "unauthorized"
	// KindHTTP marks any other non-2xx response.
	KindHTTP Kind = "http_error"
	// KindNetwork marks a transport failure with no response.
	KindNetwork Kind = "network_error"
	// KindValidation marks malformed caller input rejected before any I/O.
	KindValidation Kind = "validation_error"
)

// Error is the typed outcome of a failed fetch. errors.Is matches on Kind, and
// on Status when the target sets one.
type Error struct {
	Kind   Kind
	Status int
	Body   []byte
	URL    string
	Err    error
}

// Sentinels for errors.Is.
var (
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrAuthRequired = &Error{Kind: KindAuthRequired}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrHTTP         = &Error{Kind: KindHTTP}
	ErrNetwork      = &Error{Kind: KindNetwork}
	ErrValidation   = &Error{Kind: KindValidation}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("fetch: ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// KindOf extracts the fetch kind from err, or "" when err is not a fetch error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsCancelled reports whether err represents a superseded or torn-down call.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Retryable reports whether a refetch may succeed without the caller changing
// anything.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindHTTP, KindNetwork:
		return true
	default:
		return false
	}
}

// Describe derives a caller-presentable message from err's kind. Cancelled
// calls return an empty string.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return "Something went wrong. Please try again."
	}
	switch fe.Kind {
	case KindCancelled:
		return ""
	case KindAuthRequired:
		return "Please sign in to continue."
	case KindUnauthorized:
		return "You are not allowed to access this resource."
	case KindHTTP:
		if msg := bodyMessage(fe.Body); msg != "" {
			return msg
		}
		if text := http.StatusText(fe.Status); text != "" {
			return fmt.Sprintf("Request failed: %s.", strings.ToLower(text))
		}
		return "Request failed."
	case KindNetwork:
		return "The service could not be reached. Check your connection and retry."
	case KindValidation:
		if fe.Err != nil {
			return "Invalid request: " + fe.Err.Error() + "."
		}
		return "Invalid request."
	default:
		return "Something went wrong. Please try again."
	}
}

// bodyMessage pulls a "message" or "error" string out of a JSON error body.
func bodyMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if msg := strings.TrimSpace(payload.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(payload.Error)
}
