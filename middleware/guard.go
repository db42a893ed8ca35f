package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/magiclink"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by a guard.
func ClaimsFromContext(ctx context.Context) (*magiclink.SessionClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*magiclink.SessionClaims)
	return claims, ok
}

// RequireSession rejects requests without a valid session credential.
func RequireSession(engine *magiclink.Engine) func(http.Handler) http.Handler {
	return guard(engine, nil)
}

// RequireUserType accepts only sessions whose user type is in types.
func RequireUserType(engine *magiclink.Engine, types ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return guard(engine, allowed)
}

func guard(engine *magiclink.Engine, allowed map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.ParseSession(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if allowed != nil {
				if _, ok := allowed[claims.Type]; !ok {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
