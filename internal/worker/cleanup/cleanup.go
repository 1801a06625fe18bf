// Package cleanup は放置された登録の自動削除ジョブを提供する。
// 役割が未設定かつメールアドレス未確認のまま保持期間を超過したプロフィールと
// IdPのユーザーを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/bandstand/internal/model"
)

// defaultBatchSize は1回の実行で削除する最大件数。
const defaultBatchSize = 100

// ProfileStore は削除対象の取得と削除を行うインターフェース。
type ProfileStore interface {
	ListAbandonedSignups(ctx context.Context, createdBefore time.Time, limit int) ([]*model.Profile, error)
	DeleteByID(ctx context.Context, id string) error
}

// IdentityDeleter はIdPのユーザーを削除するインターフェース。
// 存在しないユーザーの削除は成功として扱う。
type IdentityDeleter interface {
	DeleteUser(ctx context.Context, userID string) error
}

// Recorder は削除件数を記録するインターフェース。
type Recorder interface {
	RecordAbandonedSignupsDeleted(n int)
}

// CleanupJob は放置された登録の自動削除ジョブ。
// IdPのユーザーを先に削除し、プロフィールは最後に削除する。
// プロフィールが残っている限り次回の実行で再試行されるため冪等になる。
type CleanupJob struct {
	profiles   ProfileStore
	identities IdentityDeleter
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time

	TTL       time.Duration // 登録を放置とみなすまでの期間（デフォルト: 7日）
	BatchSize int
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(profiles ProfileStore, identities IdentityDeleter, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		profiles:   profiles,
		identities: identities,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
		TTL:        7 * 24 * time.Hour,
		BatchSize:  defaultBatchSize,
	}
}

// Run は保持期間を超過した放置登録を削除し、削除件数を返す。
// 1件の削除に失敗しても残りの処理は継続する。
func (j *CleanupJob) Run(ctx context.Context) (int, error) {
	start := j.now()
	cutoff := start.Add(-j.TTL)

	batch := j.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	candidates, err := j.profiles.ListAbandonedSignups(ctx, cutoff, batch)
	if err != nil {
		j.logger.Error("放置された登録の取得に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("ttl", j.TTL),
		)
		return 0, fmt.Errorf("放置された登録の取得に失敗: %w", err)
	}

	deleted := 0
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := j.deleteOne(ctx, p); err != nil {
			j.logger.Warn("放置された登録の削除に失敗しました",
				slog.String("user_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	if j.recorder != nil && deleted > 0 {
		j.recorder.RecordAbandonedSignupsDeleted(deleted)
	}

	j.logger.Info("放置登録クリーンアップジョブが完了しました",
		slog.Int("candidates", len(candidates)),
		slog.Int("deleted_count", deleted),
		slog.Duration("ttl", j.TTL),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)

	return deleted, ctx.Err()
}

func (j *CleanupJob) deleteOne(ctx context.Context, p *model.Profile) error {
	if err := j.identities.DeleteUser(ctx, p.ID); err != nil {
		return fmt.Errorf("IdPユーザーの削除に失敗: %w", err)
	}
	if err := j.profiles.DeleteByID(ctx, p.ID); err != nil && !model.IsRepoKind(err, model.RepoNotFound) {
		return fmt.Errorf("プロフィールの削除に失敗: %w", err)
	}
	return nil
}
