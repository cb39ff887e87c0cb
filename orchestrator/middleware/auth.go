package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalTokenHeader carries the shared secret the GPU workers present on
// callback requests.
const InternalTokenHeader = "X-Internal-Token"

// InternalAuth enforces the shared-secret token on the internal callback
// surface. With an empty token (dev mode) all requests pass.
func InternalAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			presented := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
