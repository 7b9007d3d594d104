package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"catalog-proxy-go/logcolors"

	log "github.com/sirupsen/logrus"
)

// ValidAPIKey reports whether r carries the configured admin key.
func ValidAPIKey(r *http.Request, apiKey string) bool {
	provided := r.Header.Get("X-API-Key")
	if apiKey == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) == 1
}

// APIKeyMiddleware creates middleware that requires X-API-Key header when enabled.
// If required is false, all requests pass through without authentication.
// If required is true but apiKey is empty, logs a warning and allows all requests.
// Public paths (like /health) are always allowed without authentication.
func APIKeyMiddleware(apiKey string, required bool, publicPaths []string) func(http.Handler) http.Handler {
	publicPathMap := make(map[string]bool)
	for _, path := range publicPaths {
		publicPathMap[path] = true
	}

	isPublic := func(path string) bool {
		if publicPathMap[path] {
			return true
		}
		for publicPath := range publicPathMap {
			if strings.HasSuffix(publicPath, "*") && strings.HasPrefix(path, strings.TrimSuffix(publicPath, "*")) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required {
				next.ServeHTTP(w, r)
				return
			}

			if apiKey == "" {
				log.Warnf("%s API key required but not configured, allowing request", logcolors.LogAPIKey)
				next.ServeHTTP(w, r)
				return
			}

			path := r.URL.Path
			if isPublic(path) {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("X-API-Key") == "" {
				log.Warnf("%s Missing API key from %s for %s", logcolors.LogAPIKey, r.RemoteAddr, path)
				writeJSONError(w, http.StatusUnauthorized, "API key required", "Provide a valid API key via X-API-Key header")
				return
			}

			if !ValidAPIKey(r, apiKey) {
				log.Warnf("%s Invalid API key from %s for %s", logcolors.LogAPIKey, r.RemoteAddr, path)
				writeJSONError(w, http.StatusUnauthorized, "Invalid API key", "The provided API key is not valid")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
