package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-relay/pkg/config"
)

type UserConnectionCounter func(userID string) int
type UserConnectionCycler func(userID string)

// NewConnectionLimiter caps live connections per authenticated user. At the
// cap, LimitModeReject answers 429 and LimitModeCycle closes the user's oldest
// connection before admitting the new one. Anonymous requests are not counted.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		if cfg.MaxPerUser <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if reqMeta.UserID == "" {
				next.ServeHTTP(w, r)
				return
			}

			count := counter(reqMeta.UserID)
			if count < cfg.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("User connection limit reached",
				slog.String("userID", reqMeta.UserID),
				slog.Int("count", count),
				slog.String("mode", cfg.Mode),
			)
			switch cfg.Mode {
			case config.LimitModeCycle:
				cycler(reqMeta.UserID)
				next.ServeHTTP(w, r)
			default:
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			}
		})
	}
}
