package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/hitoshi/digestman/internal/model"
)

// defaultHistoryLimit は履歴検索の既定件数。
const defaultHistoryLimit = 50

// PostgresHistoryRepo はPostgreSQLを使用した配信履歴リポジトリ。
// 書き込みはPostgresQueueRepo.FinalizeDeliveryのトランザクション内でのみ行う。
type PostgresHistoryRepo struct {
	db *sql.DB
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db *sql.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db}
}

// List は条件に一致する履歴をsent_atの降順で返す。
func (r *PostgresHistoryRepo) List(ctx context.Context, filter HistoryFilter) ([]*model.HistoryEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	b := sq.Select(
		"id", "user_id", "newsletter_ids", "rule_ids", "digest_batch_id",
		"delivery_type", "sent_at", "success", "error_message", "resend_email_id",
	).
		From("notification_history").
		OrderBy("sent_at DESC", "id ASC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar)

	if filter.OwnerID != "" {
		b = b.Where(sq.Eq{"user_id": filter.OwnerID})
	}
	if filter.BatchID != "" {
		b = b.Where(sq.Eq{"digest_batch_id": filter.BatchID})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("履歴クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.HistoryEntry
	for rows.Next() {
		h := &model.HistoryEntry{}
		var contentIDs, ruleIDs pq.StringArray
		var errMsg, providerID sql.NullString

		if err := rows.Scan(
			&h.ID, &h.OwnerID, &contentIDs, &ruleIDs, &h.BatchID,
			&h.DeliveryType, &h.SentAt, &h.Success, &errMsg, &providerID,
		); err != nil {
			return nil, fmt.Errorf("履歴行の読み取りに失敗しました: %w", err)
		}

		h.ContentIDs = []string(contentIDs)
		h.RuleIDs = []string(ruleIDs)
		h.ErrorMessage = nullStringPtr(errMsg)
		h.ProviderMessageID = nullStringPtr(providerID)

		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信履歴の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
