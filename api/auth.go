package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// basicAuth requires a Basic password matching hash. Any user name is
// accepted. An empty hash disables the check.
func basicAuth(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(hash) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, pass, ok := r.BasicAuth()
			if !ok || bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="carousel", charset="UTF-8"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
