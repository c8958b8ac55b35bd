// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// ContentRepository はニュースレター（コンテンツ）の永続化インターフェース。
type ContentRepository interface {
	// FindByID は指定IDのコンテンツを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Content, error)

	// CreateIfAbsent はコンテンツを作成する。
	// source_urlが既に保存済みの場合は何もせずfalseを返す。
	CreateIfAbsent(ctx context.Context, content *model.Content) (bool, error)
}

// RuleRepository は通知ルールの読み取りインターフェース。
// ルールの作成・更新・削除はルール管理側が行う。
type RuleRepository interface {
	// ListActive は有効なルールのスナップショットを毎回DBから取得する。
	// 通知を無効化している受信者のルールは含まない。
	ListActive(ctx context.Context) ([]*model.Rule, error)
}

// RecipientRepository は受信者プロファイルの読み取りインターフェース。
type RecipientRepository interface {
	// FindByID は指定IDの受信者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Recipient, error)
}

// ErrClaimLost は確保したエントリの所有権が失われていることを示す。
// 別の実行が再確保した行、または終端状態になった行が含まれる場合に返す。
var ErrClaimLost = errors.New("確保したエントリの所有権が失われています")

// ClaimOptions はバッチ確保の対象範囲を指定する。
type ClaimOptions struct {
	// CreatedBefore より前に作成されたエントリのみを対象とする。
	CreatedBefore time.Time
	// StaleBefore より前に確保（または更新）されたまま未送信のエントリを
	// 再確保の対象とする。ゼロ値の場合は再確保を行わない。
	StaleBefore time.Time
}

// ResetFilter は失敗エントリの再処理対象を絞り込む。空フィールドは条件なし。
type ResetFilter struct {
	BatchID string
	OwnerID string
}

// QueueRepository は通知キューの永続化インターフェース。
type QueueRepository interface {
	// InsertIfAbsent は(user_id, newsletter_id, rule_id)の一意制約を利用して
	// キューエントリを挿入する。既に存在する場合はfalseを返す（エラーではない）。
	// 挿入した場合はentry.IDとentry.CreatedAtを設定する。
	InsertIfAbsent(ctx context.Context, entry *model.QueueEntry) (bool, error)

	// ClaimBatch は未確保のpendingエントリに単一のUPDATE文でバッチIDを割り当て、
	// 確保した行をコンテンツとルールと共に返す。
	// 並び順は受信者、コンテンツ受信日時の昇順、キューIDの昇順。
	ClaimBatch(ctx context.Context, batchID string, opts ClaimOptions) ([]model.DigestEntry, error)

	// ListClaimable はClaimBatchが確保するはずの行を変更せずに返す（ドライラン用）。
	ListClaimable(ctx context.Context, opts ClaimOptions) ([]model.DigestEntry, error)

	// RenewClaim は送信直前にダイジェストの全エントリの確保時刻を更新し、
	// 新しい確保時刻を返す。d.ClaimedAtと一致しない行が1つでもあれば
	// 何も変更せずErrClaimLostを返す。
	RenewClaim(ctx context.Context, d model.Digest) (time.Time, error)

	// FinalizeDelivery は配信結果に応じてエントリを終端状態に更新し、
	// 履歴を1行書き込む。両者は同一トランザクションで実行する。
	// 確保時刻が一致しない行が含まれる場合は何も書き込まずErrClaimLostを返す。
	FinalizeDelivery(ctx context.Context, outcome model.DeliveryOutcome) error

	// ResetFailed はfailedのエントリを未確保のpendingに戻し、戻した件数を返す。
	ResetFailed(ctx context.Context, filter ResetFilter) (int64, error)
}

// HistoryFilter は配信履歴の検索条件。空フィールドは条件なし。
type HistoryFilter struct {
	OwnerID string
	BatchID string
	Limit   int
}

// HistoryRepository は配信履歴の読み取りインターフェース。
type HistoryRepository interface {
	// List は条件に一致する履歴をsent_atの降順で返す。
	List(ctx context.Context, filter HistoryFilter) ([]*model.HistoryEntry, error)
}
