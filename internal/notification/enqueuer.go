// Package notification はコンテンツとルールのマッチングと通知キューへの登録を提供する。
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
	"github.com/hitoshi/digestman/internal/rule"
)

// QueueInserter は通知キューへの挿入インターフェース。
type QueueInserter interface {
	InsertIfAbsent(ctx context.Context, entry *model.QueueEntry) (bool, error)
}

// Enqueuer は新着コンテンツを有効なルールと照合し、マッチした組を通知キューに登録する。
type Enqueuer struct {
	queue    QueueInserter
	contents repository.ContentRepository
	rules    repository.RuleRepository
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// NewEnqueuer はEnqueuerを生成する。
// recorderがnilの場合はメトリクスを記録しない。
func NewEnqueuer(
	queue QueueInserter,
	contents repository.ContentRepository,
	rules repository.RuleRepository,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Enqueuer {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{
		queue:    queue,
		contents: contents,
		rules:    rules,
		metrics:  recorder,
		logger:   logger,
	}
}

// Enqueue はコンテンツを各ルールと照合し、マッチしたルールごとに
// キューエントリを1件登録する。新規に登録されたエントリのみを返す。
//
// 既に登録済みの組（一意制約違反）は何もしない。
// ストレージエラーは記録して次のルールに進み、呼び出し元には返さない。
func (e *Enqueuer) Enqueue(ctx context.Context, content *model.Content, rules []*model.Rule) []*model.QueueEntry {
	if content == nil {
		return nil
	}

	var created []*model.QueueEntry
	for _, r := range rules {
		if r == nil || !r.Active {
			continue
		}
		if err := rule.Validate(r); err != nil {
			e.logger.Warn("無効なルールをスキップします",
				slog.String("rule_id", r.ID),
				slog.String("owner_id", r.OwnerID),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, rule.ErrNoCriteria) {
				continue
			}
		}
		if !rule.Matches(content, r) {
			continue
		}

		entry := &model.QueueEntry{
			OwnerID:   r.OwnerID,
			ContentID: content.ID,
			RuleID:    r.ID,
			Status:    model.QueueStatusPending,
		}

		inserted, err := e.queue.InsertIfAbsent(ctx, entry)
		if err != nil {
			e.metrics.RecordEnqueueError()
			e.logger.Error("通知キューへの登録に失敗しました",
				slog.String("content_id", content.ID),
				slog.String("rule_id", r.ID),
				slog.String("owner_id", r.OwnerID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !inserted {
			e.metrics.RecordDuplicateMatch()
			continue
		}

		created = append(created, entry)
	}

	if len(created) > 0 {
		e.metrics.RecordEnqueued(len(created))
	}

	e.logger.Info("通知キュー登録完了",
		slog.String("content_id", content.ID),
		slog.Int("rules", len(rules)),
		slog.Int("enqueued", len(created)),
	)

	return created
}

// EnqueueContent は保存済みのコンテンツを読み込み、現時点の有効ルールで照合する。
// コンテンツまたはルールの読み込みに失敗した場合のみエラーを返す。
func (e *Enqueuer) EnqueueContent(ctx context.Context, contentID string) ([]*model.QueueEntry, error) {
	content, err := e.contents.FindByID(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("コンテンツの取得に失敗しました: %w", err)
	}
	if content == nil {
		return nil, model.NewContentNotFoundError(contentID)
	}

	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("有効なルールの取得に失敗しました: %w", err)
	}

	return e.Enqueue(ctx, content, rules), nil
}
