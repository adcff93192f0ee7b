package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request once it has been handled. For WebSocket
// upgrades that is when the connection ends. The ResponseWriter is passed
// through untouched so upgrades can still hijack it.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			var requestID, ip, userID string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				requestID, ip, userID = reqMeta.RequestID, reqMeta.IP, reqMeta.UserID
			}
			logger.Info("HTTP request",
				slog.String("requestID", requestID),
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("userID", userID),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
