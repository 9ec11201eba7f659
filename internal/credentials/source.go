// Package credentials provides the bearer token sources consulted for
// authenticated fetches. Sources are read-only: the core never clears a
// credential, even after the backend rejects it.
package credentials

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAbsent reports that no credential is currently stored.
	ErrAbsent = errors.New("credentials: no token present")
	// ErrExpired reports a token whose exp claim has passed. It always
	// accompanies ErrAbsent.
	ErrExpired = errors.New("credentials: token expired")
)

// Source yields the current bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static serves a fixed token. An empty token is absent.
type Static string

func (s Static) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrAbsent
	}
	return token, nil
}

// None never has a token.
type None struct{}

func (None) Token(context.Context) (string, error) { return "", ErrAbsent }
