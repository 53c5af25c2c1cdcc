package middleware

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SensitiveQueryParams are query parameters that should be redacted in logs
var SensitiveQueryParams = []string{"lease_token", "leaseToken", "token", "password", "api_key", "secret", "apiKey"}

// SanitizedLogger returns a middleware that logs each request through logger
// with sensitive query params redacted. Bodies, which carry lease tokens on
// the worker endpoints, are never logged.
func SanitizedLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t1 := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := []zap.Field{
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", redactSensitiveParams(r.URL)),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(t1)),
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request", fields...)
				case r.URL.Path == "/health":
					logger.Debug("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// redactSensitiveParams returns a URL string with sensitive query parameters redacted
func redactSensitiveParams(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	query := u.Query()
	hasRedacted := false

	for _, param := range SensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, "[REDACTED]")
			hasRedacted = true
		}
	}

	if !hasRedacted {
		return u.RequestURI()
	}

	return u.Path + "?" + query.Encode()
}
