package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/digestman/internal/model"
)

// PostgresContentRepo はPostgreSQLを使用したコンテンツリポジトリ。
type PostgresContentRepo struct {
	db *sql.DB
}

// NewPostgresContentRepo はPostgresContentRepoを生成する。
func NewPostgresContentRepo(db *sql.DB) *PostgresContentRepo {
	return &PostgresContentRepo{db: db}
}

// FindByID は指定IDのコンテンツを取得する。見つからない場合はnilを返す。
func (r *PostgresContentRepo) FindByID(ctx context.Context, id string) (*model.Content, error) {
	c := &model.Content{}
	var topics pq.StringArray
	var score sql.NullInt64
	var sourceURL sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, subject, plain_text, topics, relevance_score, source_id,
		        ward_number, source_url, received_date, created_at
		 FROM newsletters WHERE id = $1`,
		id,
	).Scan(
		&c.ID, &c.Subject, &c.Body, &topics, &score, &c.SourceID,
		&c.Region, &sourceURL, &c.ReceivedAt, &c.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コンテンツの取得に失敗しました: %w", err)
	}

	c.Topics = []string(topics)
	c.RelevanceScore = nullIntPtr(score)
	c.SourceURL = nullStringValue(sourceURL)

	return c, nil
}

// CreateIfAbsent はコンテンツを作成する。
// source_urlの一意制約に衝突した場合は何もせずfalseを返す。
// IDが空の場合は新規UUIDを採番する。
func (r *PostgresContentRepo) CreateIfAbsent(ctx context.Context, c *model.Content) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now()
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO newsletters (id, subject, plain_text, topics, relevance_score,
		                         source_id, ward_number, source_url, received_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT ON CONSTRAINT newsletters_source_url_unique DO NOTHING
		 RETURNING created_at`,
		c.ID, c.Subject, c.Body, stringArray(c.Topics), nullInt(c.RelevanceScore),
		c.SourceID, c.Region, nullString(c.SourceURL), c.ReceivedAt,
	).Scan(&c.CreatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("コンテンツの作成に失敗しました: %w", err)
	}
	return true, nil
}

// compile-time interface check
var _ ContentRepository = (*PostgresContentRepo)(nil)
