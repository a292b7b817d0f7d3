package middleware

import (
	"net/http"
	"runtime/debug"

	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/logger"
	phttp "reflow/internal/platform/net/http"
)

// RecoverJSON converts panics into a JSON 500 envelope instead of a blank page
func RecoverJSON() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.C(r.Context()).Error().
						Interface("panic", rec).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered")
					phttp.RespondError(w, r, perr.PanicErrf("internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
