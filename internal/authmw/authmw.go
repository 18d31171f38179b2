// Package authmw guards the warden API with a static operator bearer token.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const bearerPrefix = "Bearer "

// Option configures the middleware.
type Option func(*config)

type config struct {
	logger log.Logger
	exempt map[string]struct{}
}

// WithLogger logs rejected requests.
func WithLogger(l log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithExempt lets requests for the exact paths through unauthenticated.
func WithExempt(paths ...string) Option {
	return func(c *config) {
		for _, p := range paths {
			c.exempt[p] = struct{}{}
		}
	}
}

// BearerToken returns middleware that requires "Authorization: Bearer <token>".
// Comparison is constant-time. An empty token disables the check, which is
// how a local or dry-run deployment runs without credentials.
func BearerToken(token string, opts ...Option) func(http.Handler) http.Handler {
	c := &config{logger: log.Nop(), exempt: make(map[string]struct{})}
	for _, o := range opts {
		o(c)
	}
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}

	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := c.exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, bearerPrefix) {
				reject(w, r, c.logger, "missing or malformed authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[len(bearerPrefix):]), expected) != 1 {
				reject(w, r, c.logger, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, logger log.Logger, reason string) {
	logger.Warn(r.Context(), "api request rejected",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + reason + `"}`))
}
