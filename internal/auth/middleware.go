package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type contextKey string

const reviewerContextKey contextKey = "reviewer"

// Middleware guards reviewer endpoints. With auth disabled every request runs
// as an anonymous reviewer holding all scopes.
type Middleware struct {
	jwt      *JWTManager
	skipAuth bool
	logger   *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwt: jwtManager, skipAuth: skipAuth, logger: logger}
}

// Require authenticates the request and checks the given scopes.
func (m *Middleware) Require(next http.Handler, scopes ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			rc := &ReviewerContext{
				Subject:   "anonymous",
				Role:      RoleReviewer,
				Scopes:    ScopesForRole(RoleReviewer),
				Anonymous: true,
			}
			next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), rc)))
			return
		}

		token, err := ExtractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		rc, err := m.jwt.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Rejected reviewer token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		for _, s := range scopes {
			if !rc.HasScope(s) {
				writeError(w, http.StatusForbidden, "missing required scope: "+s)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), rc)))
	})
}

// WithReviewer attaches rc to ctx.
func WithReviewer(ctx context.Context, rc *ReviewerContext) context.Context {
	return context.WithValue(ctx, reviewerContextKey, rc)
}

// GetReviewer extracts the reviewer from ctx.
func GetReviewer(ctx context.Context) (*ReviewerContext, bool) {
	rc, ok := ctx.Value(reviewerContextKey).(*ReviewerContext)
	return rc, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
