package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"fire-dispatch/radiostatus/internal/auth"
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/pkg/logger"
)

type ctxKey int

const userKey ctxKey = iota

// UserLookup resolves an authenticated user id to the user record.
type UserLookup func(ctx context.Context, userID string) (domain.User, bool)

type AuthMiddleware struct {
	auth  *auth.Authenticator
	users UserLookup
}

func NewAuthMiddleware(a *auth.Authenticator, users UserLookup) *AuthMiddleware {
	return &AuthMiddleware{auth: a, users: users}
}

func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}

		userID, ok := m.auth.Authenticate(r.Context(), apiKey)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		user, ok := m.users(r.Context(), userID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "API key not bound to a known user")
			return
		}
		if !user.Active {
			writeError(w, http.StatusForbidden, "user account is inactive")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// UserFrom returns the user authenticated for r.
func UserFrom(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(userKey).(domain.User)
	return u, ok
}

// RequestLogger logs one line per request.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.Debug("HTTP request",
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.String("remote_addr", r.RemoteAddr),
					logger.String("request_id", middleware.GetReqID(r.Context())),
					logger.Int("status", ww.Status()),
					logger.Int("bytes", ww.BytesWritten()),
					logger.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
