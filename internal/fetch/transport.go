package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const defaultMaxBodyBytes = 1 << 20

// ErrBodyTooLarge is returned when a response body exceeds the transport cap.
var ErrBodyTooLarge = errors.New("fetch: response body too large")

// Request is what the coordinator hands to a Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Transport performs one network call. Implementations must observe ctx and
// return its error when the call is abandoned because ctx is done. Non-2xx
// responses are returned as responses, not errors.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPTransport adapts a Doer to Transport.
type HTTPTransport struct {
	client  Doer
	maxBody int64
}

// NewHTTPTransport wraps client. A response body over maxBody bytes fails the
// call with ErrBodyTooLarge; a non-positive value selects 1 MiB.
func NewHTTPTransport(client Doer, maxBody int64) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &HTTPTransport{client: client, maxBody: maxBody}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("fetch: build request: %w", err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("fetch: request: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	closeErr := resp.Body.Close()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("fetch: read body: %w", err)
	}
	if closeErr != nil {
		return Response{}, fmt.Errorf("fetch: close body: %w", closeErr)
	}
	if int64(len(data)) > t.maxBody {
		return Response{}, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, t.maxBody)
	}

	return Response{
		URL:    httpReq.URL.String(),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
	}, nil
}
