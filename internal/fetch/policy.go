package fetch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Policy describes how a resource is fetched and cached.
type Policy struct {
	RequiresAuth bool
	// SkipCache disables both cache reads and writes and asks intermediaries
	// not to serve a cached copy.
	SkipCache bool
	// TTL bounds freshness. nil caches until explicitly invalidated, zero never
	// reads from the cache but still writes.
	TTL *time.Duration
}

// TTL returns a pointer suitable for Policy.TTL.
func TTL(d time.Duration) *time.Duration { return &d }

// WithTTL returns a copy of p with the freshness window set to d.
func (p Policy) WithTTL(d time.Duration) Policy {
	p.TTL = TTL(d)
	return p
}

// RequestOptions shape a single call.
type RequestOptions struct {
	Method string
	Header http.Header
	Body   []byte
	// Fresh bypasses any shared in-flight call for the same resource.
	Fresh bool
}

// Response is a completed 2xx call.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("fetch: decode: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("fetch: decode: %w", err)
	}
	return nil
}
