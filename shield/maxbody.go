package shield

import "net/http"

// MaxRequestBody is the cap DefaultStack applies. Only POST /mcp carries a
// body; JSON-RPC tool calls stay far below 1 MiB.
const MaxRequestBody = 1 << 20

// MaxBody caps every request body at maxBytes. Reads past the cap fail with
// *http.MaxBytesError.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
