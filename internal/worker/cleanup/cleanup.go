// Package cleanup は保持期間を超過したニュースレターの削除ジョブを提供する。
// notification_queueの行はnewslettersのCASCADE削除で自動的に処理される。
// 配信履歴は監査記録として保持し、このジョブでは削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はデフォルトの保持日数。
const DefaultRetentionDays = 365

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。
func NewCleanupJob(db Executor, retentionDays int, logger *slog.Logger) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過したニュースレターを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	newsletters, err := j.exec(ctx, `DELETE FROM newsletters WHERE created_at < now() - $1::interval`, interval)
	if err != nil {
		return fmt.Errorf("ニュースレターのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_newsletters", newsletters),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

func (j *CleanupJob) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}
