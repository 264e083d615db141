package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type ctxKey string

const claimsCtxKey ctxKey = "claims"

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.log != nil {
			s.log.Component("httpapi").WithField("method", r.Method).
				WithField("path", r.URL.Path).WithField("duration", time.Since(start)).Info("request")
		}
	})
}

// authMiddleware requires a valid bearer JWT, grounded on the teacher's
// marble.AuthMiddleware bearer-prefix check, generalized to delegate actual
// validation to pkg/auth.Manager.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.auth.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
