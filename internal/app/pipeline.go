package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/digestman/internal/config"
	"github.com/hitoshi/digestman/internal/delivery"
	"github.com/hitoshi/digestman/internal/ingest"
	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/notification"
	"github.com/hitoshi/digestman/internal/repository"
	"github.com/hitoshi/digestman/internal/security"
	"github.com/hitoshi/digestman/internal/worker/cleanup"
	"github.com/hitoshi/digestman/internal/worker/digest"
)

// pipeline は通知パイプラインの全コンポーネントをまとめたもの。
// 各サブコマンドは必要な部分だけを使う。
type pipeline struct {
	registry *prometheus.Registry

	queue   *repository.PostgresQueueRepo
	history *repository.PostgresHistoryRepo

	enqueuer *notification.Enqueuer
	sender   delivery.Sender
	runner   *digest.Runner
	scraper  *ingest.Scraper
	cleanup  *cleanup.CleanupJob
}

// newPipeline はDB接続と設定からコンポーネントを組み立てる。
func newPipeline(db *sql.DB, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewCollector(reg)

	// 2. リポジトリ
	contentRepo := repository.NewPostgresContentRepo(db)
	ruleRepo := repository.NewPostgresRuleRepo(db)
	recipientRepo := repository.NewPostgresRecipientRepo(db)
	queueRepo := repository.NewPostgresQueueRepo(db)
	historyRepo := repository.NewPostgresHistoryRepo(db)

	// 3. キュー登録
	enqueuer := notification.NewEnqueuer(queueRepo, contentRepo, ruleRepo, recorder, logger)

	// 4. 配信
	var sender delivery.Sender
	if cfg.EmailEnabled() {
		signer, err := delivery.NewUnsubscribeSigner(cfg.UnsubscribeSecretKey, cfg.UnsubscribeURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure unsubscribe links: %w", err)
		}
		sender = delivery.NewEmailSender(
			&http.Client{Timeout: cfg.DeliveryTimeout},
			recipientRepo,
			delivery.EmailConfig{
				APIKey:         cfg.ResendAPIKey,
				Endpoint:       cfg.ResendEndpoint,
				From:           cfg.NotificationFromEmail,
				PreferencesURL: cfg.PreferencesURL,
				Location:       cfg.DigestTimezone,
				Unsubscribe:    signer,
			},
			logger,
		)
	} else {
		logger.Warn("RESEND_API_KEY is not set, digests are written to the log instead of email")
		sender = delivery.NewLogSender(logger)
	}

	batcher := digest.NewBatcher(queueRepo, cfg.DigestTimezone, cfg.ClaimStaleAfter, recorder, logger)
	dispatcher := digest.NewDispatcher(sender, queueRepo, digest.DispatcherConfig{
		Timeout:        cfg.DeliveryTimeout,
		MaxConcurrency: cfg.DispatchMaxConcurrent,
		RatePerSecond:  cfg.DeliveryRatePerSec,
	}, recorder, logger)
	runner := digest.NewRunner(batcher, dispatcher, cfg.DigestTimezone, logger)

	// 5. 取り込み
	guard := security.NewURLGuard()
	scraper := ingest.NewScraper(
		guard.NewSafeClient(cfg.ScrapeTimeout, cfg.ScrapeMaxSize),
		guard,
		contentRepo,
		enqueuer,
		security.NewTextExtractor(),
		ingest.ScraperConfig{
			MaxBodySize:    cfg.ScrapeMaxSize,
			RequestsPerSec: cfg.ScrapeRate,
			Location:       cfg.DigestTimezone,
		},
		logger,
	)

	return &pipeline{
		registry: reg,
		queue:    queueRepo,
		history:  historyRepo,
		enqueuer: enqueuer,
		sender:   sender,
		runner:   runner,
		scraper:  scraper,
		cleanup:  cleanup.NewCleanupJob(db, cfg.ContentRetentionDays, logger),
	}, nil
}
