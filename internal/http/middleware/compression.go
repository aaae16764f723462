package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForClips wraps a compression middleware so clip downloads
// bypass it. Video is already compressed and Range requests need the raw
// byte offsets.
func SkipCompressionForClips(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/download") {
				next.ServeHTTP(w, r)
				return
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}
