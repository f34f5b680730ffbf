package shield

import (
	"log/slog"
	"net/http"

	"github.com/hazyhaar/carousel/observability"
)

// Recover turns a handler panic into a 500 and a crash record in crashDir.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recover(logger *slog.Logger, crashDir string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				observability.Recovered(logger, crashDir, "http "+r.Method+" "+r.URL.Path, v)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
