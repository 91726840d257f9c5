// Package middleware provides HTTP middleware for the offer store API.
package middleware

import (
	"net/http"
	"strings"
)

// OriginAllowed reports whether origin matches one of the allowed entries.
// An entry is "*", an exact origin, or a wildcard host such as
// "https://*.example.com".
func OriginAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
		if prefix, suffix, ok := strings.Cut(o, "*"); ok && prefix != "" &&
			strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) &&
			len(origin) > len(prefix)+len(suffix) {
			return true
		}
	}
	return false
}

// explicitlyAllowed reports whether origin is listed without a wildcard.
func explicitlyAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o != "*" && !strings.Contains(o, "*") && o == origin {
			return true
		}
	}
	return false
}

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && OriginAllowed(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				// Credentials only for explicit origins. Echoing credentials to a
				// wildcard match enables CSRF.
				if explicitlyAllowed(allowedOrigins, origin) {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
