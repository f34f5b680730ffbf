package shield

import "net/http"

// HeadToGet lets routes registered with r.Get answer HEAD. The kiosk page
// sends HEAD to /shots/{file} to check an image exists before swapping
// slides; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
