package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	OpsAPIToken string
	RateLimiter *middleware.RateLimiter

	// 公開エンドポイント
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// 運用API
	DigestRunner  DigestRunner
	QueueResetter QueueResetter
	HistoryLister HistoryLister
	Location      *time.Location
}

// NewRouter は運用APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → Token → RateLimit(General)
//
// /health と /metrics はトークン認証とレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	digestHandler := NewDigestHandler(deps.DigestRunner, logger)
	notificationHandler := NewNotificationHandler(deps.QueueResetter, deps.Location, logger)
	historyHandler := NewHistoryHandler(deps.HistoryLister, logger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewTokenMiddleware(deps.OpsAPIToken))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/digests/preview", digestHandler.Preview)
		r.With(deps.RateLimiter.ReprocessMiddleware()).Post("/api/notifications/reprocess", notificationHandler.Reprocess)
		r.Get("/api/history", historyHandler.List)
	})

	return r
}
