package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/digestman/internal/model"
)

// PostgresQueueRepo はPostgreSQLを使用した通知キューリポジトリ。
type PostgresQueueRepo struct {
	db *sql.DB
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

// claimablePredicate は確保対象となるキュー行の条件。
// $1: created_at の上限、$2: 再確保の閾値（NULLの場合は再確保しない）。
// 送信直前のRenewClaimで確保時刻が更新されるため、送信中の行は閾値に掛からない。
const claimablePredicate = `q.status = 'pending'
	   AND q.created_at < $1
	   AND (q.digest_batch_id IS NULL
	        OR ($2::timestamptz IS NOT NULL
	            AND COALESCE(q.claimed_at, '-infinity'::timestamptz) < $2))`

// digestEntryColumns はキュー行・コンテンツ・ルールをまとめて読み取る列リスト。
// エイリアス q はキュー行、n はコンテンツ、nr はルール。
const digestEntryColumns = `q.id, q.user_id, q.newsletter_id, q.rule_id, q.status, q.digest_batch_id,
	       q.created_at, q.claimed_at, q.sent_at, q.error_message,
	       n.id, n.subject, n.plain_text, n.topics, n.relevance_score, n.source_id,
	       n.ward_number, n.source_url, n.received_date, n.created_at,
	       nr.id, nr.user_id, nr.name, nr.is_active, nr.topics, nr.search_term,
	       nr.min_relevance_score, nr.source_ids, nr.ward_numbers, nr.created_at, nr.updated_at`

// digestEntryOrder は受信者内の並び順。受信日時の昇順、同時刻はキュー作成順。
const digestEntryOrder = `ORDER BY q.user_id ASC, n.received_date ASC, q.id ASC`

// InsertIfAbsent はキューエントリを挿入する。
// ON CONFLICT DO NOTHINGによる原子的な挿入のみを行い、事前の存在確認はしない。
func (r *PostgresQueueRepo) InsertIfAbsent(ctx context.Context, entry *model.QueueEntry) (bool, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO notification_queue (user_id, newsletter_id, rule_id, status)
		 VALUES ($1, $2, $3, 'pending')
		 ON CONFLICT ON CONSTRAINT notification_queue_user_newsletter_rule_key DO NOTHING
		 RETURNING id, created_at`,
		entry.OwnerID, entry.ContentID, entry.RuleID,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("通知キューへの挿入に失敗しました: %w", err)
	}

	entry.Status = model.QueueStatusPending
	entry.BatchID = nil
	return true, nil
}

// ClaimBatch は確保対象のキュー行に単一のUPDATE文でバッチIDを割り当てる。
// 対象行はFOR UPDATE SKIP LOCKEDで排他的に選択するため、
// 同時に実行された別の確保処理と同じ行を確保することはない。
func (r *PostgresQueueRepo) ClaimBatch(ctx context.Context, batchID string, opts ClaimOptions) ([]model.DigestEntry, error) {
	query := `
		WITH claimed AS (
		    UPDATE notification_queue
		       SET digest_batch_id = $3, claimed_at = now()
		     WHERE id IN (
		         SELECT q.id FROM notification_queue q
		          WHERE ` + claimablePredicate + `
		          FOR UPDATE SKIP LOCKED
		     )
		    RETURNING id, user_id, newsletter_id, rule_id, status, digest_batch_id,
		              created_at, claimed_at, sent_at, error_message
		)
		SELECT ` + digestEntryColumns + `
		FROM claimed q
		INNER JOIN newsletters n ON n.id = q.newsletter_id
		INNER JOIN notification_rules nr ON nr.id = q.rule_id
		` + digestEntryOrder

	rows, err := r.db.QueryContext(ctx, query,
		opts.CreatedBefore, staleArg(opts.StaleBefore), batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("バッチの確保に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanDigestEntries(rows)
}

// ListClaimable はClaimBatchと同じ条件・並び順で行を取得する。行は変更しない。
func (r *PostgresQueueRepo) ListClaimable(ctx context.Context, opts ClaimOptions) ([]model.DigestEntry, error) {
	query := `
		SELECT ` + digestEntryColumns + `
		FROM notification_queue q
		INNER JOIN newsletters n ON n.id = q.newsletter_id
		INNER JOIN notification_rules nr ON nr.id = q.rule_id
		WHERE ` + claimablePredicate + `
		` + digestEntryOrder

	rows, err := r.db.QueryContext(ctx, query, opts.CreatedBefore, staleArg(opts.StaleBefore))
	if err != nil {
		return nil, fmt.Errorf("確保対象のキュー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanDigestEntries(rows)
}

// RenewClaim は送信直前にダイジェストの確保時刻を更新する。
// 確保時刻が一致するpendingの行だけを更新し、全エントリを更新できなかった場合は
// ロールバックしてErrClaimLostを返す。更新後は再確保の閾値から外れるため、
// 送信中の行が別の実行に再確保されることはない。
func (r *PostgresQueueRepo) RenewClaim(ctx context.Context, d model.Digest) (renewed time.Time, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		count     int
		claimedAt sql.NullTime
	)
	if err = tx.QueryRowContext(ctx,
		`WITH renewed AS (
		     UPDATE notification_queue
		        SET claimed_at = now()
		      WHERE id = ANY($1)
		        AND status = 'pending'
		        AND digest_batch_id = $2
		        AND claimed_at = $3
		     RETURNING claimed_at
		 )
		 SELECT count(*), max(claimed_at) FROM renewed`,
		pq.Int64Array(d.EntryIDs), d.BatchID, d.ClaimedAt,
	).Scan(&count, &claimedAt); err != nil {
		return time.Time{}, fmt.Errorf("確保時刻の更新に失敗しました: %w", err)
	}

	if count != len(d.EntryIDs) || !claimedAt.Valid {
		err = fmt.Errorf("受信者 %s のバッチ %s で %d/%d 件しか更新できませんでした: %w",
			d.OwnerID, d.BatchID, count, len(d.EntryIDs), ErrClaimLost)
		return time.Time{}, err
	}

	if err = tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return claimedAt.Time, nil
}

// FinalizeDelivery は配信結果をキューに反映し、履歴を1行書き込む。
// 更新対象はこのバッチで確保され、確保時刻が一致するpendingの行に限定する。
// 1行でも更新できなかった場合は履歴を書かずにロールバックし、ErrClaimLostを返す。
func (r *PostgresQueueRepo) FinalizeDelivery(ctx context.Context, outcome model.DeliveryOutcome) (err error) {
	d := outcome.Digest
	sentAt := outcome.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	status := model.QueueStatusSent
	var errMsg sql.NullString
	if !outcome.Success {
		status = model.QueueStatusFailed
		errMsg = nullString(outcome.ErrorMessage)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE notification_queue
		    SET status = $2, sent_at = $3, error_message = $4
		  WHERE id = ANY($1)
		    AND status = 'pending'
		    AND digest_batch_id = $5
		    AND claimed_at = $6`,
		pq.Int64Array(d.EntryIDs), string(status), sentAt, errMsg, d.BatchID, d.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("キュー状態の更新に失敗しました: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if updated != int64(len(d.EntryIDs)) {
		err = fmt.Errorf("受信者 %s のバッチ %s で %d/%d 件しか終端状態にできませんでした: %w",
			d.OwnerID, d.BatchID, updated, len(d.EntryIDs), ErrClaimLost)
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO notification_history (id, user_id, newsletter_ids, rule_ids, digest_batch_id,
		                                   delivery_type, sent_at, success, error_message, resend_email_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New().String(), d.OwnerID, stringArray(d.ContentIDs()), stringArray(d.RuleIDs),
		d.BatchID, model.DeliveryTypeDailyDigest, sentAt, outcome.Success, errMsg,
		nullString(outcome.ProviderMessageID),
	); err != nil {
		return fmt.Errorf("配信履歴の書き込みに失敗しました: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ResetFailed はfailedのエントリを未確保のpendingに戻す。
// 戻した行は新規行と同じ扱いで次回のバッチ確保の対象となる。
func (r *PostgresQueueRepo) ResetFailed(ctx context.Context, filter ResetFilter) (int64, error) {
	b := sq.Update("notification_queue").
		Set("status", string(model.QueueStatusPending)).
		Set("digest_batch_id", nil).
		Set("claimed_at", nil).
		Set("sent_at", nil).
		Set("error_message", nil).
		Where(sq.Eq{"status": string(model.QueueStatusFailed)}).
		PlaceholderFormat(sq.Dollar)

	if filter.BatchID != "" {
		b = b.Where(sq.Eq{"digest_batch_id": filter.BatchID})
	}
	if filter.OwnerID != "" {
		b = b.Where(sq.Eq{"user_id": filter.OwnerID})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("再処理クエリの構築に失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("失敗エントリのリセットに失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("リセット件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// staleArg は再確保の閾値をクエリ引数に変換する。ゼロ値はNULL。
func staleArg(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// scanDigestEntries はdigestEntryColumnsの並びで行を読み取る。
func scanDigestEntries(rows *sql.Rows) ([]model.DigestEntry, error) {
	var entries []model.DigestEntry
	for rows.Next() {
		var de model.DigestEntry
		var status string
		var batchID, errMsg, sourceURL, searchTerm sql.NullString
		var claimedAt, sentAt sql.NullTime
		var contentTopics, ruleTopics, sourceIDs, wards pq.StringArray
		var score, minScore sql.NullInt64

		if err := rows.Scan(
			&de.Entry.ID, &de.Entry.OwnerID, &de.Entry.ContentID, &de.Entry.RuleID, &status, &batchID,
			&de.Entry.CreatedAt, &claimedAt, &sentAt, &errMsg,
			&de.Content.ID, &de.Content.Subject, &de.Content.Body, &contentTopics, &score, &de.Content.SourceID,
			&de.Content.Region, &sourceURL, &de.Content.ReceivedAt, &de.Content.CreatedAt,
			&de.Rule.ID, &de.Rule.OwnerID, &de.Rule.Name, &de.Rule.Active, &ruleTopics, &searchTerm,
			&minScore, &sourceIDs, &wards, &de.Rule.CreatedAt, &de.Rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("キュー行の読み取りに失敗しました: %w", err)
		}

		de.Entry.Status = model.QueueStatus(status)
		de.Entry.BatchID = nullStringPtr(batchID)
		de.Entry.ErrorMessage = nullStringPtr(errMsg)
		if claimedAt.Valid {
			de.Entry.ClaimedAt = &claimedAt.Time
		}
		if sentAt.Valid {
			de.Entry.SentAt = &sentAt.Time
		}

		de.Content.Topics = []string(contentTopics)
		de.Content.RelevanceScore = nullIntPtr(score)
		de.Content.SourceURL = nullStringValue(sourceURL)

		de.Rule.Topics = []string(ruleTopics)
		de.Rule.SearchTerm = nullStringValue(searchTerm)
		de.Rule.MinRelevanceScore = nullIntPtr(minScore)
		de.Rule.SourceIDs = []string(sourceIDs)
		de.Rule.Regions = []string(wards)

		entries = append(entries, de)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キュー行の走査に失敗しました: %w", err)
	}
	return entries, nil
}

// compile-time interface check
var _ QueueRepository = (*PostgresQueueRepo)(nil)
