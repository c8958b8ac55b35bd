// Package app はコマンドライン引数に応じて各モードを起動するエントリーポイントを提供する。
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/digestman/internal/config"
	"github.com/hitoshi/digestman/internal/database"
	"github.com/hitoshi/digestman/internal/handler"
	"github.com/hitoshi/digestman/internal/ingest"
	"github.com/hitoshi/digestman/internal/logger"
	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/repository"
	"github.com/hitoshi/digestman/internal/worker/digest"
)

// stdout は単発コマンドの結果（JSON）の出力先。
var stdout io.Writer = os.Stdout

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("tz", cfg.DigestTimezone.String()),
	)

	rest := commandArgs(args)
	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandDigest:
		f, err := parseDigestFlags(rest, w)
		if err != nil {
			return err
		}
		return runDigest(cfg, f)
	case CommandEnqueue:
		f, err := parseEnqueueFlags(rest, w)
		if err != nil {
			return err
		}
		return runEnqueue(cfg, f)
	case CommandReprocess:
		f, err := parseReprocessFlags(rest, w)
		if err != nil {
			return err
		}
		if err := validateReprocessFlags(f, cfg.DigestTimezone); err != nil {
			return err
		}
		return runReprocess(cfg, f)
	case CommandScrape:
		f, err := parseScrapeFlags(rest, w)
		if err != nil {
			return err
		}
		return runScrape(cfg, f)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-stop:
			slog.Info("signal received, shutting down...", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(stop)
	}()

	return ctx, cancel
}

// runServe は運用APIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. パイプラインの構築
	p, err := newPipeline(db, cfg, slog.Default())
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitReprocess),
	)
	defer rateLimiter.Stop()

	if cfg.OpsAPIToken == "" {
		slog.Warn("OPS_API_TOKEN is not set, the ops API is served without authentication")
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        slog.Default(),
		OpsAPIToken:   cfg.OpsAPIToken,
		RateLimiter:   rateLimiter,
		HealthChecker: db,
		Gatherer:      p.registry,
		DigestRunner:  p.runner,
		QueueResetter: p.queue,
		HistoryLister: p.history,
		Location:      cfg.DigestTimezone,
	})

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "ops API server")
}

// serveUntilDone はctxがキャンセルされるまでサーバーを起動し、終了時にシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ダイジェスト配信、発行元の巡回、保持期間のクリーンアップをcron式で実行する。
// SIGINTまたはSIGTERMシグナルを受信すると実行中のジョブの完了を待って終了する。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. パイプラインの構築
	p, err := newPipeline(db, cfg, slog.Default())
	if err != nil {
		return err
	}

	// 3. ジョブの登録
	scheduler := digest.NewScheduler(cfg.DigestTimezone, slog.Default())

	if err := scheduler.AddJob(ctx, "digest", cfg.DigestSchedule, func(ctx context.Context) error {
		_, err := p.runner.Run(ctx, digest.Options{})
		return err
	}); err != nil {
		return err
	}

	if err := scheduler.AddJob(ctx, "cleanup", cfg.CleanupSchedule, p.cleanup.Run); err != nil {
		return err
	}

	sources, err := ingest.NewSourceSet(cfg.SourcesFile, slog.Default())
	if err != nil {
		slog.Warn("sources file could not be loaded, scraping is disabled",
			slog.String("path", cfg.SourcesFile),
			slog.String("error", err.Error()),
		)
	} else {
		if err := scheduler.AddJob(ctx, "scrape", cfg.ScrapeSchedule, func(ctx context.Context) error {
			p.scraper.ScrapeAll(ctx, sources.Sources())
			return nil
		}); err != nil {
			return err
		}
		go func() {
			if err := sources.Watch(ctx); err != nil {
				slog.Warn("sources file watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// 4. メトリクスの公開
	if cfg.MetricsPort != "" {
		server := &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.Handler(p.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, server, "metrics server"); err != nil {
				slog.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("worker starting",
		slog.String("digest_schedule", cfg.DigestSchedule),
		slog.String("scrape_schedule", cfg.ScrapeSchedule),
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
		slog.Int("max_concurrent", cfg.DispatchMaxConcurrent),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runDigest はダイジェスト処理を1回実行し、結果をJSONで出力する。
func runDigest(cfg *config.Config, f digestFlags) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := newPipeline(db, cfg, slog.Default())
	if err != nil {
		return err
	}
	report, err := p.runner.Run(ctx, digest.Options{BatchID: f.BatchID, DryRun: f.DryRun})
	if err != nil {
		return fmt.Errorf("digest run failed: %w", err)
	}
	return writeResult(report)
}

// enqueueResult はenqueueコマンドの出力。
type enqueueResult struct {
	ContentID string `json:"content_id"`
	Enqueued  int    `json:"enqueued"`
}

// runEnqueue は指定コンテンツを有効なルールと照合してキューに登録する。
func runEnqueue(cfg *config.Config, f enqueueFlags) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := newPipeline(db, cfg, slog.Default())
	if err != nil {
		return err
	}
	entries, err := p.enqueuer.EnqueueContent(ctx, f.ContentID)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	return writeResult(enqueueResult{ContentID: f.ContentID, Enqueued: len(entries)})
}

// reprocessResult はreprocessコマンドの出力。
type reprocessResult struct {
	BatchID string `json:"batch_id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Reset   int64  `json:"reset"`
}

// validateReprocessFlags はバッチIDと受信者IDの形式を検証する。
func validateReprocessFlags(f reprocessFlags, loc *time.Location) error {
	if f.BatchID != "" {
		if _, err := digest.ParseBatchID(f.BatchID, loc); err != nil {
			return fmt.Errorf("reprocess: %w", err)
		}
	}
	if f.OwnerID != "" {
		if _, err := uuid.Parse(f.OwnerID); err != nil {
			return fmt.Errorf("reprocess: invalid -owner %q: %w", f.OwnerID, err)
		}
	}
	return nil
}

// runReprocess はfailedのエントリをpendingに戻す。戻したエントリは次回のバッチで再送される。
func runReprocess(cfg *config.Config, f reprocessFlags) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := newPipeline(db, cfg, slog.Default())
	if err != nil {
		return err
	}
	n, err := p.queue.ResetFailed(ctx, repository.ResetFilter{BatchID: f.BatchID, OwnerID: f.OwnerID})
	if err != nil {
		return fmt.Errorf("reprocess failed: %w", err)
	}

	slog.Info("failed entries reset to pending",
		slog.String("batch_id", f.BatchID),
		slog.String("owner_id", f.OwnerID),
		slog.Int64("reset", n),
	)
	return writeResult(reprocessResult{BatchID: f.BatchID, OwnerID: f.OwnerID, Reset: n})
}

// runScrape は発行元アーカイブを1回巡回し、集計をJSONで出力する。
func runScrape(cfg *config.Config, f scrapeFlags) error {
	path := f.SourcesFile
	if path == "" {
		path = cfg.SourcesFile
	}
	sources, err := ingest.LoadSources(path)
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := newPipeline(db, cfg, slog.Default())
	if err != nil {
		return err
	}
	return writeResult(p.scraper.ScrapeAll(ctx, sources))
}

// writeResult は単発コマンドの結果をインデント付きJSONで出力する。
func writeResult(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
