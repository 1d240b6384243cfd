package auth

import (
	"log/slog"
	"net/http"
)

// Middleware rejects unauthenticated requests before they reach the wrapped
// handler.
type Middleware struct {
	auth     Authenticator
	excluded map[string]bool
	logger   *slog.Logger
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithExcludedPaths lets requests to paths through without credentials.
func WithExcludedPaths(paths ...string) Option {
	return func(m *Middleware) {
		for _, p := range paths {
			m.excluded[p] = true
		}
	}
}

// WithLogger sets the logger for rejected requests.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// NewMiddleware creates a Middleware around auth.
func NewMiddleware(auth Authenticator, opts ...Option) *Middleware {
	m := &Middleware{auth: auth, excluded: make(map[string]bool), logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap wraps next with authentication. Authenticated identities are
// available to next through IdentityFromContext.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.excluded[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		id, ok, err := m.auth.AuthenticateRequest(r)
		if err != nil || !ok {
			reason := "missing credentials"
			if err != nil {
				reason = err.Error()
			}
			m.logger.Warn("rejected unauthenticated request",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("reason", reason),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="hookwatch"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}
