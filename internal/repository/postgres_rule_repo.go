package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/digestman/internal/model"
)

// PostgresRuleRepo はPostgreSQLを使用した通知ルールリポジトリ（読み取り専用）。
type PostgresRuleRepo struct {
	db *sql.DB
}

// NewPostgresRuleRepo はPostgresRuleRepoを生成する。
func NewPostgresRuleRepo(db *sql.DB) *PostgresRuleRepo {
	return &PostgresRuleRepo{db: db}
}

// ListActive は有効なルールを取得する。
// 通知を無効化している受信者のルールはuser_profilesとのJOINで除外する。
// キャッシュは持たず、呼び出しごとに最新のスナップショットを返す。
func (r *PostgresRuleRepo) ListActive(ctx context.Context) ([]*model.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT nr.id, nr.user_id, nr.name, nr.is_active, nr.topics, nr.search_term,
		        nr.min_relevance_score, nr.source_ids, nr.ward_numbers,
		        nr.created_at, nr.updated_at
		 FROM notification_rules nr
		 INNER JOIN user_profiles up ON up.id = nr.user_id
		 WHERE nr.is_active = true
		   AND up.notifications_enabled = true
		 ORDER BY nr.created_at ASC, nr.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("有効なルール一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		rule := &model.Rule{}
		var topics, sourceIDs, wards pq.StringArray
		var searchTerm sql.NullString
		var minScore sql.NullInt64

		if err := rows.Scan(
			&rule.ID, &rule.OwnerID, &rule.Name, &rule.Active, &topics, &searchTerm,
			&minScore, &sourceIDs, &wards,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ルール行の読み取りに失敗しました: %w", err)
		}

		rule.Topics = []string(topics)
		rule.SearchTerm = strings.TrimSpace(nullStringValue(searchTerm))
		rule.MinRelevanceScore = nullIntPtr(minScore)
		rule.SourceIDs = []string(sourceIDs)
		rule.Regions = []string(wards)

		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ルール一覧の走査に失敗しました: %w", err)
	}

	return rules, nil
}

// compile-time interface check
var _ RuleRepository = (*PostgresRuleRepo)(nil)
