package api

import "net/http"

// SecurityHeadersMiddleware strips version-revealing response headers,
// adapted from the teacher's internal/server.SecurityHeadersMiddleware.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Del("X-Powered-By")
		h.Set("Server", "coordcore")
		next.ServeHTTP(w, r)
	})
}
