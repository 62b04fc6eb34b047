package auth

import (
	"context"
	"net/http"
)

type contextKey string

const claimsContextKey contextKey = "admin-session-claims"

// SessionMiddleware guards a route with the session cookie. Valid sessions
// get their claims injected into the request context; everything else is a
// generic 401.
func SessionMiddleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		claims, err := service.Verify(r.Context(), cookie.Value)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func withClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(Claims)
	return claims, ok
}
