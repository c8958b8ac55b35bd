package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/digestman/internal/middleware"
)

// healthCheckTimeout はDB疎通確認のタイムアウト。
const healthCheckTimeout = 3 * time.Second

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler は/healthのハンドラーを返す。
// DBに到達できない場合は503を返す。
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			logger.Error("health check failed", slog.String("error", err.Error()))
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}

		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
