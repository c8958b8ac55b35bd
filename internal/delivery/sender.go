// Package delivery はダイジェストの配信手段を提供する。
// Resend APIによるメール送信と、送信を行わずログに記録する実装を含む。
package delivery

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/digestman/internal/model"
)

// Sender はダイジェストを1通の通知として受信者に届けるインターフェース。
// ctxの期限を超えた場合は送信を中断してエラーを返すこと。
type Sender interface {
	Send(ctx context.Context, digest model.Digest) (model.Receipt, error)
}

// LogSender は送信せずにダイジェストの内容をログに記録するSender。
// RESEND_API_KEY が未設定の環境で使用する。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はダイジェストをログに出力し、ダミーのメッセージIDを返す。
func (s *LogSender) Send(ctx context.Context, digest model.Digest) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}

	id := "log-" + uuid.NewString()
	s.logger.Info("ダイジェストをログに出力しました（送信なし）",
		slog.String("owner_id", digest.OwnerID),
		slog.String("batch_id", digest.BatchID),
		slog.Any("content_ids", digest.ContentIDs()),
		slog.Any("rule_ids", digest.RuleIDs),
		slog.String("provider_message_id", id),
	)
	return model.Receipt{ProviderMessageID: id}, nil
}

var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*EmailSender)(nil)
)
