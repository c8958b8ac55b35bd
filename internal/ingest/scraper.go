package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// URLValidator はリクエスト前のURL検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ContentEnqueuer は保存したコンテンツを通知キューへの登録処理に渡す。
type ContentEnqueuer interface {
	EnqueueContent(ctx context.Context, contentID string) ([]*model.QueueEntry, error)
}

// TextExtractor はHTMLからプレーンテキストを取り出す。
type TextExtractor interface {
	Extract(rawHTML string) string
}

// ScraperConfig はScraperの設定。
type ScraperConfig struct {
	MaxBodySize    int64
	RequestsPerSec float64        // 0以下は無制限
	Location       *time.Location // アーカイブの日付の解釈に使う
}

// ScrapeResult は1回のスクレイピングの集計。
type ScrapeResult struct {
	Stored   int `json:"stored"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Enqueued int `json:"enqueued"`
	// Deferred はバックオフ中のため巡回しなかった発行元の数。
	Deferred int `json:"deferred"`
}

func (r *ScrapeResult) add(o ScrapeResult) {
	r.Stored += o.Stored
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Enqueued += o.Enqueued
	r.Deferred += o.Deferred
}

// Scraper は発行元のアーカイブを巡回し、新しいニュースレターを保存して通知キューに登録する。
type Scraper struct {
	client    *http.Client
	guard     URLValidator
	contents  repository.ContentRepository
	enqueuer  ContentEnqueuer
	extractor TextExtractor
	limiter   *rate.Limiter
	health    *sourceHealth
	cfg       ScraperConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewScraper はScraperを生成する。
func NewScraper(
	client *http.Client,
	guard URLValidator,
	contents repository.ContentRepository,
	enqueuer ContentEnqueuer,
	extractor TextExtractor,
	cfg ScraperConfig,
	logger *slog.Logger,
) *Scraper {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 5 * 1024 * 1024
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	return &Scraper{
		client:    client,
		guard:     guard,
		contents:  contents,
		enqueuer:  enqueuer,
		extractor: extractor,
		limiter:   rate.NewLimiter(limit, 1),
		health:    newSourceHealth(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// ScrapeAll はすべての発行元を順に処理する。1つの発行元の失敗は他に影響しない。
// アーカイブの取得に失敗した発行元はバックオフが満了するまで巡回しない。
func (s *Scraper) ScrapeAll(ctx context.Context, sources []Source) ScrapeResult {
	var total ScrapeResult
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		if until, deferred := s.health.deferredUntil(src.ID, s.now()); deferred {
			s.logger.Info("バックオフ中の発行元をスキップしました",
				slog.String("source_id", src.ID),
				slog.Time("next_attempt", until),
			)
			total.Deferred++
			continue
		}
		res, err := s.ScrapeSource(ctx, src)
		if err != nil {
			next := s.health.recordFailure(src.ID, err, s.now())
			s.logger.Error("発行元のスクレイピングに失敗しました",
				slog.String("source_id", src.ID),
				slog.String("archive_url", src.ArchiveURL),
				slog.Time("next_attempt", next),
				slog.String("error", err.Error()),
			)
			total.Failed++
			continue
		}
		s.health.recordSuccess(src.ID)
		total.add(res)
	}

	s.logger.Info("スクレイピングが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Int("stored", total.Stored),
		slog.Int("skipped", total.Skipped),
		slog.Int("failed", total.Failed),
		slog.Int("enqueued", total.Enqueued),
		slog.Int("deferred", total.Deferred),
	)
	return total
}

// ScrapeSource は1つの発行元のアーカイブを処理する。
// アーカイブ自体を取得できない場合のみエラーを返し、個別のニュースレターの失敗は集計する。
func (s *Scraper) ScrapeSource(ctx context.Context, src Source) (ScrapeResult, error) {
	var res ScrapeResult

	strategy, err := StrategyByName(src.Strategy, src.ArchiveURL)
	if err != nil {
		return res, err
	}

	body, err := s.fetch(ctx, src.ArchiveURL)
	if err != nil {
		return res, fmt.Errorf("アーカイブの取得に失敗しました: %w", err)
	}

	entries, err := strategy.Extract(body, src.ArchiveURL, s.cfg.Location)
	if err != nil {
		return res, fmt.Errorf("アーカイブの解析に失敗しました: %w", err)
	}
	if src.Limit > 0 && len(entries) > src.Limit {
		entries = entries[:src.Limit]
	}

	s.logger.Info("アーカイブを解析しました",
		slog.String("source_id", src.ID),
		slog.String("strategy", strategy.Name()),
		slog.Int("entry_count", len(entries)),
	)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		stored, enqueued, err := s.ingest(ctx, src, entry)
		switch {
		case err != nil:
			res.Failed++
			s.logger.Error("ニュースレターの取り込みに失敗しました",
				slog.String("source_id", src.ID),
				slog.String("url", entry.URL),
				slog.String("error", err.Error()),
			)
		case !stored:
			res.Skipped++
		default:
			res.Stored++
			res.Enqueued += enqueued
		}
	}
	return res, nil
}

// ingest は1件のニュースレターを保存し、新規の場合は通知キューに登録する。
// 通知キューへの登録失敗は記録のみ行い、保存結果には影響しない。
func (s *Scraper) ingest(ctx context.Context, src Source, entry ArchiveEntry) (bool, int, error) {
	if err := s.guard.ValidateURL(entry.URL); err != nil {
		return false, 0, fmt.Errorf("URL検証に失敗しました: %w", err)
	}

	subject := entry.Title
	rawHTML := entry.Body
	if strings.TrimSpace(rawHTML) == "" {
		page, err := s.fetch(ctx, entry.URL)
		if err != nil {
			return false, 0, err
		}
		rawHTML = string(page)
		if title := pageTitle(page); title != "" {
			subject = title
		}
	}
	if subject == "" {
		subject = "Untitled Newsletter"
	}

	receivedAt := s.now()
	if entry.Date != nil {
		receivedAt = *entry.Date
	}

	content := &model.Content{
		Subject:    subject,
		Body:       s.extractor.Extract(rawHTML),
		SourceID:   src.ID,
		Region:     src.Region,
		SourceURL:  entry.URL,
		ReceivedAt: receivedAt,
	}

	created, err := s.contents.CreateIfAbsent(ctx, content)
	if err != nil {
		return false, 0, fmt.Errorf("コンテンツの保存に失敗しました: %w", err)
	}
	if !created {
		return false, 0, nil
	}

	queued, err := s.enqueuer.EnqueueContent(ctx, content.ID)
	if err != nil {
		s.logger.Error("通知キューへの登録に失敗しました",
			slog.String("content_id", content.ID),
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		return true, 0, nil
	}
	return true, len(queued), nil
}

// fetch はレート制限の下でURLを取得し、ボディを返す。
func (s *Scraper) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.guard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("URL検証に失敗しました: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Digestman/1.0 Newsletter Archiver")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	return body, nil
}

// pageTitle はページのtitle、h1、h2の順で最初に見つかった見出しを返す。
func pageTitle(page []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	for _, sel := range []string{"title", "h1", "h2"} {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return strings.Join(strings.Fields(t), " ")
		}
	}
	return ""
}
