package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/digestman/internal/model"
)

// PostgresRecipientRepo はPostgreSQLを使用した受信者リポジトリ。
type PostgresRecipientRepo struct {
	db *sql.DB
}

// NewPostgresRecipientRepo はPostgresRecipientRepoを生成する。
func NewPostgresRecipientRepo(db *sql.DB) *PostgresRecipientRepo {
	return &PostgresRecipientRepo{db: db}
}

// FindByID は指定IDの受信者を取得する。見つからない場合はnilを返す。
func (r *PostgresRecipientRepo) FindByID(ctx context.Context, id string) (*model.Recipient, error) {
	rc := &model.Recipient{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, notifications_enabled FROM user_profiles WHERE id = $1`,
		id,
	).Scan(&rc.ID, &rc.Email, &rc.NotificationsEnabled)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("受信者の取得に失敗しました: %w", err)
	}
	return rc, nil
}

// compile-time interface check
var _ RecipientRepository = (*PostgresRecipientRepo)(nil)
