package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authlink.org/internal/auth"
	"authlink.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/sessions",
	"/v1/sessions/login",
}

// withAuth binds the bearer session to the request context. Every non-public
// path requires a live session.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authlink"`)
			writeError(w, r, http.StatusUnauthorized, errUnauthorized, err.Error())
			return
		}

		accountID, err := a.sessions.Resolve(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrUnauthorized) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="authlink", error="invalid_token"`)
			}
			writeDomainError(w, r, err)
			return
		}

		ctx := auth.ContextWithAccount(r.Context(), accountID)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
