// Package middleware wraps the chi middleware set behind project types
package middleware

import (
	"net/http"
	"time"

	pstrings "reflow/internal/platform/strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Middleware is a standard http middleware
type Middleware = func(http.Handler) http.Handler

// RequestID tags every request with a unique id
func RequestID() Middleware { return chimw.RequestID }

// RealIP resolves the client IP from proxy headers
func RealIP() Middleware { return chimw.RealIP }

// Recoverer converts panics into 500 responses
func Recoverer() Middleware { return chimw.Recoverer }

// Timeout cancels the request context after d
func Timeout(d time.Duration) Middleware { return chimw.Timeout(d) }

// NoCache sets response headers that defeat caching
func NoCache() Middleware { return chimw.NoCache }

// Compress enables response compression at the given level
func Compress(level int, types ...string) Middleware { return chimw.Compress(level, types...) }

// Heartbeat answers 200 on the given path without touching the router
func Heartbeat(path string) Middleware { return chimw.Heartbeat(path) }

// RedirectSlashes redirects paths with a trailing slash to the bare path
func RedirectSlashes() Middleware { return chimw.RedirectSlashes }

// StripSlashes removes a trailing slash before routing
func StripSlashes() Middleware { return chimw.StripSlashes }

// Throttle bounds the number of in-flight requests
func Throttle(limit int) Middleware { return chimw.Throttle(limit) }

// CORSOptions configures the CORS middleware
type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// CORS builds a CORS middleware with sane defaults
func CORS(opts CORSOptions) Middleware {
	opts.AllowedOrigins = pstrings.IfEmpty(opts.AllowedOrigins, []string{"*"})
	opts.AllowedMethods = pstrings.IfEmpty(opts.AllowedMethods,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	opts.AllowedHeaders = pstrings.IfEmpty(opts.AllowedHeaders,
		[]string{"Accept", "Authorization", "Content-Type", "X-Request-ID"})
	opts.ExposedHeaders = pstrings.IfEmpty(opts.ExposedHeaders, []string{"X-Request-ID"})
	if opts.MaxAge == 0 {
		opts.MaxAge = 300
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   opts.AllowedMethods,
		AllowedHeaders:   opts.AllowedHeaders,
		ExposedHeaders:   opts.ExposedHeaders,
		AllowCredentials: opts.AllowCredentials,
		MaxAge:           opts.MaxAge,
	})
}
