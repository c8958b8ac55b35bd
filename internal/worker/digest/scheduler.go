package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler はcron式に従ってジョブを設定タイムゾーンで実行する。
// 同じジョブの実行が重なった場合、後続の起動はスキップする。
type Scheduler struct {
	c      *cron.Cron
	logger *slog.Logger
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(location *time.Location, logger *slog.Logger) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(location),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger,
	}
}

// AddJob はジョブを登録する。jobにはStartに渡したコンテキストが渡される。
func (s *Scheduler) AddJob(ctx context.Context, name, spec string, job func(ctx context.Context) error) error {
	_, err := s.c.AddFunc(spec, func() {
		start := time.Now()
		s.logger.Info("スケジュールジョブを開始します", slog.String("job", name))
		if err := job(ctx); err != nil {
			s.logger.Error("スケジュールジョブの実行に失敗しました",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("スケジュールジョブが完了しました",
			slog.String("job", name),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	})
	if err != nil {
		return fmt.Errorf("ジョブ %s のスケジュール %q が不正です: %w", name, spec, err)
	}
	return nil
}

// Start はスケジューラを起動し、ctxがキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	s.c.Start()
	s.logger.Info("スケジューラを開始しました",
		slog.String("tz", s.c.Location().String()),
		slog.Int("job_count", len(s.c.Entries())),
	)

	<-ctx.Done()
	<-s.c.Stop().Done()
	s.logger.Info("スケジューラを停止しました")
}
