package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

// SweepStore は期限切れセッションの終了に必要な操作。
type SweepStore interface {
	ListActiveByUserID(ctx context.Context, userID string, max int) ([]*model.Session, error)
	End(ctx context.Context, id string) error
}

// SweepJob は有効期限を過ぎたアクティブなセッションを終了するジョブ。
// 冪等であり、対象がない場合もエラーにならない。
type SweepJob struct {
	store  SweepStore
	logger *slog.Logger
	Limit  int // 1回の実行で確認するセッション数の上限（デフォルト: 100）
	now    func() time.Time
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(store SweepStore, logger *slog.Logger) *SweepJob {
	return &SweepJob{
		store:  store,
		logger: logger,
		Limit:  100,
		now:    time.Now,
	}
}

// Run は指定ユーザーの期限切れセッションを終了し、終了した件数を返す。
// 1件の終了に失敗した場合はそれまでの件数とエラーを返す。
func (j *SweepJob) Run(ctx context.Context, userID string) (int, error) {
	start := time.Now()

	sessions, err := j.store.ListActiveByUserID(ctx, userID, j.Limit)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.String("user_id", userID),
		)
		return 0, fmt.Errorf("セッション一覧の取得に失敗: %w", err)
	}

	now := j.now()
	ended := 0
	for _, s := range sessions {
		if !s.Expired(now) {
			continue
		}
		if err := j.store.End(ctx, s.ID); err != nil {
			j.logger.Error("期限切れセッションの終了に失敗しました",
				slog.String("error", err.Error()),
				slog.String("session_id", s.ID),
			)
			return ended, fmt.Errorf("期限切れセッションの終了に失敗: %w", err)
		}
		ended++
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.String("user_id", userID),
		slog.Int("checked_count", len(sessions)),
		slog.Int("ended_count", ended),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return ended, nil
}
