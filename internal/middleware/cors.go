package middleware

import (
	"strings"

	"github.com/go-chi/cors"
)

var defaultCORSOrigins = []string{"http://localhost:3000"}

// CORS returns cors.Options for the configured web origins. A "*" entry
// disables credentials, since browsers reject credentialed wildcard
// responses.
func CORS(allowedOrigins []string) cors.Options {
	origins := make([]string, 0, len(allowedOrigins))
	seen := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		origins = defaultCORSOrigins
	}

	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After"},
		AllowCredentials: !seen["*"],
		MaxAge:           300,
	}
}
