package digest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/digestman/internal/delivery"
	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// DeliveryStore は送信前の所有権確認と配信結果の記録を行う。
type DeliveryStore interface {
	RenewClaim(ctx context.Context, d model.Digest) (time.Time, error)
	FinalizeDelivery(ctx context.Context, outcome model.DeliveryOutcome) error
}

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	Timeout        time.Duration // 1通あたりの送信期限
	MaxConcurrency int           // 同時に送信する受信者数
	RatePerSecond  float64       // 送信レートの上限（0以下は無制限）
}

// DispatchResult は1回の配信処理の集計。
type DispatchResult struct {
	Sent    int
	Failed  int
	Skipped int
}

// Dispatcher は受信者ごとのダイジェストを独立に配信する。
// 1人の失敗は他の受信者の配信に影響しない。自動リトライは行わない。
type Dispatcher struct {
	sender  delivery.Sender
	store   DeliveryStore
	limiter *rate.Limiter
	cfg     DispatcherConfig
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher はDispatcherを生成する。
// MaxConcurrencyが0以下の場合は4、Timeoutが0以下の場合は30秒を使用する。
func NewDispatcher(
	sender delivery.Sender,
	store DeliveryStore,
	cfg DispatcherConfig,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		metrics: recorder,
		logger:  logger,
		now:     time.Now,
	}
}

// Dispatch はダイジェストを並列に送信し、結果を記録する。
// ctxがキャンセルされた場合、未着手の受信者はSkippedとして数え、
// そのエントリは確保済みのpendingのまま残る。
func (d *Dispatcher) Dispatch(ctx context.Context, digests []model.Digest) DispatchResult {
	var (
		mu     sync.Mutex
		result DispatchResult
		wg     sync.WaitGroup
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, d.cfg.MaxConcurrency)

	for i, dg := range digests {
		if ctx.Err() != nil {
			mu.Lock()
			result.Skipped += len(digests) - i
			mu.Unlock()
			d.logger.Warn("配信を中断しました",
				slog.String("batch_id", dg.BatchID),
				slog.Int("skipped", len(digests)-i),
			)
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(dg model.Digest) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := d.deliver(ctx, dg)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome == nil:
				result.Skipped++
			case outcome.Success:
				result.Sent++
			default:
				result.Failed++
			}
		}(dg)
	}

	wg.Wait()
	return result
}

// deliver は1人分のダイジェストを送信して結果を記録する。
// レート制限の待機中にキャンセルされた場合、または確保時刻を更新できなかった場合は
// 送信せずnilを返す。
func (d *Dispatcher) deliver(ctx context.Context, dg model.Digest) *model.DeliveryOutcome {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil
	}

	// 送信直前に所有権を確認し、確保時刻を更新する
	claimedAt, err := d.store.RenewClaim(ctx, dg)
	if err != nil {
		level := slog.LevelError
		msg := "確保時刻の更新に失敗したため配信をスキップしました"
		if errors.Is(err, repository.ErrClaimLost) {
			level = slog.LevelWarn
			msg = "別の実行が確保したため配信をスキップしました"
		}
		d.logger.Log(ctx, level, msg,
			slog.String("owner_id", dg.OwnerID),
			slog.String("batch_id", dg.BatchID),
			slog.Any("entry_ids", dg.EntryIDs),
			slog.String("error", err.Error()),
		)
		return nil
	}
	dg.ClaimedAt = claimedAt

	start := d.now()
	receipt, err := d.send(ctx, dg)
	latency := d.now().Sub(start)

	outcome := model.DeliveryOutcome{
		Digest:  dg,
		Success: err == nil,
		SentAt:  d.now(),
	}
	code := ""
	if err != nil {
		code = model.DeliveryErrorCode(err)
		outcome.ErrorMessage = err.Error()
		d.logger.Error("ダイジェストの配信に失敗しました",
			slog.String("owner_id", dg.OwnerID),
			slog.String("batch_id", dg.BatchID),
			slog.String("error_code", code),
			slog.String("error", err.Error()),
		)
	} else {
		outcome.ProviderMessageID = receipt.ProviderMessageID
		d.logger.Info("ダイジェストを配信しました",
			slog.String("owner_id", dg.OwnerID),
			slog.String("batch_id", dg.BatchID),
			slog.Int("content_count", len(dg.Contents)),
			slog.Float64("duration_ms", float64(latency.Milliseconds())),
		)
	}
	d.metrics.RecordDelivery(outcome.Success, code, latency)

	// 送信後の記録は実行のキャンセルに影響されない
	if err := d.store.FinalizeDelivery(context.WithoutCancel(ctx), outcome); err != nil {
		d.logger.Error("配信結果の記録に失敗しました",
			slog.String("owner_id", dg.OwnerID),
			slog.String("batch_id", dg.BatchID),
			slog.Any("entry_ids", dg.EntryIDs),
			slog.String("error", err.Error()),
		)
	}

	return &outcome
}

// send は期限付きでSenderを呼び出す。
// Senderが期限を守らない場合でも期限到達時点でタイムアウトとして扱う。
func (d *Dispatcher) send(ctx context.Context, dg model.Digest) (model.Receipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	type sendResult struct {
		receipt model.Receipt
		err     error
	}
	done := make(chan sendResult, 1)
	go func() {
		receipt, err := d.sender.Send(sendCtx, dg)
		done <- sendResult{receipt: receipt, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return model.Receipt{}, classify(r.err)
		}
		return r.receipt, nil
	case <-sendCtx.Done():
		return model.Receipt{}, classify(sendCtx.Err())
	}
}

// classify はDeliveryErrorでないエラーにコードを付与する。
func classify(err error) error {
	var de *model.DeliveryError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewDeliveryTimeoutError(err)
	}
	return model.NewDeliveryFailedError(err)
}
