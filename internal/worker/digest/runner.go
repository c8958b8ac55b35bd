package digest

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// Options は1回のダイジェスト実行の指定。
type Options struct {
	BatchID string // 空の場合は設定タイムゾーンの当日
	DryRun  bool   // trueの場合は確保・送信・記録を行わない
}

// Summary は1人分のダイジェストの概要。
type Summary struct {
	OwnerID    string   `json:"owner_id"`
	ContentIDs []string `json:"content_ids"`
	RuleIDs    []string `json:"rule_ids"`
	EntryCount int      `json:"entry_count"`
}

// Report は1回のダイジェスト実行の結果。
type Report struct {
	BatchID string    `json:"batch_id"`
	DryRun  bool      `json:"dry_run"`
	Digests []Summary `json:"digests"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
}

// Runner はバッチ確保から配信までの1回分の処理を実行する。
type Runner struct {
	batcher    *Batcher
	dispatcher *Dispatcher
	location   *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner はRunnerを生成する。
func NewRunner(batcher *Batcher, dispatcher *Dispatcher, location *time.Location, logger *slog.Logger) *Runner {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		batcher:    batcher,
		dispatcher: dispatcher,
		location:   location,
		logger:     logger,
		now:        time.Now,
	}
}

// Run はダイジェスト処理を1回実行する。
// ドライランでは確保と同じ選択で組み立てたダイジェストを返し、状態は変更しない。
// 受信者単位の失敗はReportに集計され、エラーとしては返さない。
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	start := r.now()

	batchID := opts.BatchID
	if batchID == "" {
		batchID = DefaultBatchID(start, r.location)
	}

	var (
		batch *Batch
		err   error
	)
	if opts.DryRun {
		batch, err = r.batcher.Preview(ctx, batchID)
	} else {
		batch, err = r.batcher.Claim(ctx, batchID)
	}
	if err != nil {
		return nil, err
	}

	digests := ComposeAll(batch)
	report := &Report{
		BatchID: batchID,
		DryRun:  opts.DryRun,
		Digests: summarize(digests),
	}

	if !opts.DryRun && len(digests) > 0 {
		res := r.dispatcher.Dispatch(ctx, digests)
		report.Sent = res.Sent
		report.Failed = res.Failed
		report.Skipped = res.Skipped
	}

	r.logger.Info("ダイジェスト処理が完了しました",
		slog.String("batch_id", batchID),
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("digest_count", len(digests)),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Float64("duration_ms", float64(r.now().Sub(start).Milliseconds())),
	)

	return report, nil
}

func summarize(digests []model.Digest) []Summary {
	out := make([]Summary, 0, len(digests))
	for _, d := range digests {
		out = append(out, Summary{
			OwnerID:    d.OwnerID,
			ContentIDs: d.ContentIDs(),
			RuleIDs:    d.RuleIDs,
			EntryCount: len(d.EntryIDs),
		})
	}
	return out
}
