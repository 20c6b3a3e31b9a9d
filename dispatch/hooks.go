package dispatch

import (
	"context"

	"golang.org/x/time/rate"

	"servicekit/channel"
	"servicekit/errors"
)

// ErrRateLimited is returned by the rate-limit hook when the token bucket is
// empty. The call never left the process.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit returns a before-hook enforcing a token-bucket limit of r calls
// per second with the given burst across all remote dispatches it guards.
func RateLimit(r float64, burst int) BeforeHook {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(ctx context.Context, _ *channel.Invocation) (context.Context, error) {
		if !limiter.Allow() {
			return ctx, ErrRateLimited
		}
		return ctx, nil
	}
}

type tokenKey struct{}

// WithToken stores a bearer token in the context for propagation to remote
// calls.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext extracts a previously stored bearer token.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok
}

// PropagateToken returns a before-hook copying the context's bearer token
// into the Authorization header of remote calls. Calls without a token pass
// through untouched.
func PropagateToken() BeforeHook {
	return func(ctx context.Context, _ *channel.Invocation) (context.Context, error) {
		if token, ok := TokenFromContext(ctx); ok {
			ctx = channel.WithHeader(ctx, "Authorization", "Bearer "+token)
		}
		return ctx, nil
	}
}
