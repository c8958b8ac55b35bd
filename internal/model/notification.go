// Package model はドメインモデルを定義する。
package model

import "time"

// QueueStatus は通知キューエントリの状態を表す。
type QueueStatus string

const (
	// QueueStatusPending は送信待ちの状態。バッチ割当の有無は BatchID で区別する。
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusSent は送信完了の状態（終端）。
	QueueStatusSent QueueStatus = "sent"
	// QueueStatusFailed は送信失敗の状態（終端）。明示的な再処理でのみpendingに戻る。
	QueueStatusFailed QueueStatus = "failed"
)

// Valid は定義済みの状態値かどうかを返す。
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusSent, QueueStatusFailed:
		return true
	}
	return false
}

// DeliveryTypeDailyDigest は日次ダイジェスト配信を表す配信種別。
const DeliveryTypeDailyDigest = "daily_digest"

// BatchIDLayout はダイジェストバッチIDの書式（YYYY-MM-DD）。
const BatchIDLayout = "2006-01-02"

// QueueEntry は受信者・コンテンツ・マッチしたルールを結ぶ通知キューの1行。
// (OwnerID, ContentID, RuleID) の組は一意。
type QueueEntry struct {
	ID           int64
	OwnerID      string
	ContentID    string
	RuleID       string
	Status       QueueStatus
	BatchID      *string
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	SentAt       *time.Time
	ErrorMessage *string
}

// DigestEntry はバッチで確保したキューエントリと、そのコンテンツ・ルールの組。
type DigestEntry struct {
	Entry   QueueEntry
	Content Content
	Rule    Rule
}

// Digest は1受信者分に合成されたダイジェスト。
// Contents は重複を除いた初出順、RuleIDs はマッチした全ルールIDを保持する。
type Digest struct {
	OwnerID  string
	BatchID  string
	Contents []Content
	RuleIDs  []string
	EntryIDs []int64

	// ClaimedAt はエントリを確保した時刻。所有権の確認に使う。
	ClaimedAt time.Time
}

// ContentIDs はダイジェストに含まれるコンテンツIDを順序どおりに返す。
func (d Digest) ContentIDs() []string {
	ids := make([]string, 0, len(d.Contents))
	for _, c := range d.Contents {
		ids = append(ids, c.ID)
	}
	return ids
}

// Receipt は配信プロバイダの受付結果。
type Receipt struct {
	ProviderMessageID string
}

// HistoryEntry は受信者ごとの配信試行1回分の監査記録。書き込み後は変更しない。
type HistoryEntry struct {
	ID                string
	OwnerID           string
	ContentIDs        []string
	RuleIDs           []string
	BatchID           string
	DeliveryType      string
	SentAt            time.Time
	Success           bool
	ErrorMessage      *string
	ProviderMessageID *string
}

// DeliveryOutcome は1受信者分の配信結果で、キューの確定と履歴の書き込みに使う。
type DeliveryOutcome struct {
	Digest            Digest
	Success           bool
	ErrorMessage      string
	ProviderMessageID string
	SentAt            time.Time
}
