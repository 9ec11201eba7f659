package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

type expiryGuard struct {
	src    Source
	clock  clock.Clock
	leeway time.Duration
	parser *jwt.Parser
}

// RejectExpired wraps src so a JWT whose exp claim has passed is reported as
// absent. The signature is not verified; opaque tokens pass through as is.
func RejectExpired(src Source, clk clock.Clock, leeway time.Duration) Source {
	if clk == nil {
		clk = clock.New()
	}
	return &expiryGuard{src: src, clock: clk, leeway: leeway, parser: jwt.NewParser()}
}

func (g *expiryGuard) Token(ctx context.Context) (string, error) {
	token, err := g.src.Token(ctx)
	if err != nil {
		return "", err
	}
	var claims jwt.RegisteredClaims
	if _, _, err := g.parser.ParseUnverified(token, &claims); err != nil {
		return token, nil
	}
	if claims.ExpiresAt != nil && !g.clock.Now().Before(claims.ExpiresAt.Add(g.leeway)) {
		return "", fmt.Errorf("%w: %w", ErrAbsent, ErrExpired)
	}
	return token, nil
}
