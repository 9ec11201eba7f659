package cache

import "strings"

const keyVersion = "v1"

// Key identifies a cached resource. Identical URLs with different auth
// requirements are distinct keys.
type Key struct {
	URL          string
	RequiresAuth bool
}

// NewKey derives the cache key for a resolved resource URL.
func NewKey(url string, requiresAuth bool) Key {
	return Key{URL: strings.TrimSpace(url), RequiresAuth: requiresAuth}
}

// String renders the canonical backend key, for example v1|auth|https://api/x.
func (k Key) String() string {
	return scopePrefix(k.RequiresAuth) + k.URL
}

func scopePrefix(requiresAuth bool) string {
	if requiresAuth {
		return keyVersion + "|auth|"
	}
	return keyVersion + "|anon|"
}
