package middleware

import "net/http"

// SecurityHeaders sets response headers suited to a JSON-only admin API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		// Tokens and session listings must not be cached by proxies.
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
