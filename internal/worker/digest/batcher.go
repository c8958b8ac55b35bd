// Package digest は日次ダイジェストのバッチ確保・組み立て・配信を提供する。
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// ClaimStore はバッチ確保に必要な通知キューの操作。
type ClaimStore interface {
	ClaimBatch(ctx context.Context, batchID string, opts repository.ClaimOptions) ([]model.DigestEntry, error)
	ListClaimable(ctx context.Context, opts repository.ClaimOptions) ([]model.DigestEntry, error)
}

// Batch は1回の実行で確保したエントリを受信者ごとにまとめたもの。
// Owners はエントリの並び順で最初に現れた順の受信者ID。
type Batch struct {
	ID      string
	Owners  []string
	Entries map[string][]model.DigestEntry
}

// Size はバッチに含まれるエントリの総数を返す。
func (b *Batch) Size() int {
	n := 0
	for _, entries := range b.Entries {
		n += len(entries)
	}
	return n
}

// Batcher は未確保のpendingエントリにバッチIDを割り当てる。
type Batcher struct {
	store      ClaimStore
	location   *time.Location
	staleAfter time.Duration
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewBatcher はBatcherを生成する。
// staleAfterは確保（または送信前の更新）からの経過時間で、これを過ぎた未送信の
// エントリは中断された実行の残りとして再確保する。0以下の場合は再確保しない。
// 送信中の行を奪わないよう、staleAfterは1通あたりの送信期限より長くする。
func NewBatcher(
	store ClaimStore,
	location *time.Location,
	staleAfter time.Duration,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Batcher {
	if location == nil {
		location = time.UTC
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		store:      store,
		location:   location,
		staleAfter: staleAfter,
		metrics:    recorder,
		logger:     logger,
		now:        time.Now,
	}
}

// Claim は対象エントリを単一の原子的な操作で確保し、受信者ごとにまとめて返す。
// 同時に実行された別の確保処理が先に確保した行は含まれない。
func (b *Batcher) Claim(ctx context.Context, batchID string) (*Batch, error) {
	opts, err := b.claimOptions(batchID)
	if err != nil {
		return nil, err
	}

	entries, err := b.store.ClaimBatch(ctx, batchID, opts)
	if err != nil {
		return nil, fmt.Errorf("バッチ %s の確保に失敗しました: %w", batchID, err)
	}

	b.metrics.RecordClaimed(len(entries))
	if len(entries) == 0 {
		b.logger.Info("確保対象のエントリはありません",
			slog.String("batch_id", batchID),
		)
	} else {
		b.logger.Info("バッチを確保しました",
			slog.String("batch_id", batchID),
			slog.Int("entry_count", len(entries)),
		)
	}

	return groupByOwner(batchID, entries), nil
}

// Preview はClaimと同じ選択を行うが、行は変更しない。
func (b *Batcher) Preview(ctx context.Context, batchID string) (*Batch, error) {
	opts, err := b.claimOptions(batchID)
	if err != nil {
		return nil, err
	}

	entries, err := b.store.ListClaimable(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("バッチ %s のプレビューに失敗しました: %w", batchID, err)
	}

	return groupByOwner(batchID, entries), nil
}

// claimOptions はバッチIDから確保対象の範囲を決める。
// バッチ日の終わり（設定タイムゾーン）より前に作成されたエントリが対象。
func (b *Batcher) claimOptions(batchID string) (repository.ClaimOptions, error) {
	day, err := ParseBatchID(batchID, b.location)
	if err != nil {
		return repository.ClaimOptions{}, err
	}

	opts := repository.ClaimOptions{
		CreatedBefore: day.AddDate(0, 0, 1),
	}
	if b.staleAfter > 0 {
		opts.StaleBefore = b.now().Add(-b.staleAfter)
	}
	return opts, nil
}

// ParseBatchID はYYYY-MM-DD形式のバッチIDを指定タイムゾーンの日付の始まりに変換する。
func ParseBatchID(batchID string, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(model.BatchIDLayout, batchID, loc)
	if err != nil {
		return time.Time{}, model.NewInvalidBatchIDError(batchID)
	}
	return day, nil
}

// DefaultBatchID は指定時刻のタイムゾーン上の日付をバッチIDとして返す。
func DefaultBatchID(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(model.BatchIDLayout)
}

// groupByOwner はエントリを受信者ごとに分ける。各受信者内の順序は維持する。
func groupByOwner(batchID string, entries []model.DigestEntry) *Batch {
	batch := &Batch{
		ID:      batchID,
		Entries: make(map[string][]model.DigestEntry),
	}
	for _, e := range entries {
		owner := e.Entry.OwnerID
		if _, ok := batch.Entries[owner]; !ok {
			batch.Owners = append(batch.Owners, owner)
		}
		batch.Entries[owner] = append(batch.Entries[owner], e)
	}
	return batch
}
