// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/bandstand/internal/authevent"
	"github.com/hitoshi/bandstand/internal/model"
	"github.com/hitoshi/bandstand/internal/repository"
)

// IdentityDeleter はIdPのユーザー削除インターフェース。
type IdentityDeleter interface {
	DeleteUser(ctx context.Context, userID string) error
}

// SessionPurger はユーザーの全デバイスのキャッシュ削除インターフェース。
type SessionPurger interface {
	PurgeUser(ctx context.Context, userID string) ([]string, error)
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	profiles   repository.ProfileRepository
	identities IdentityDeleter
	sessions   SessionPurger
	events     authevent.Publisher
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	profiles repository.ProfileRepository,
	identities IdentityDeleter,
	sessions SessionPurger,
	events authevent.Publisher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profiles:   profiles,
		identities: identities,
		sessions:   sessions,
		events:     events,
		logger:     logger,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: プロフィール → IdPのユーザー → 全デバイスのセッションキャッシュ
// IdPの削除に失敗した場合はエラーを返す。プロフィールが既にない場合も続行するため、
// 同じ呼び出しを繰り返せば残りの削除をやり直せる。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	s.logger.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. プロフィールを削除
	if err := s.profiles.DeleteByID(ctx, userID); err != nil && !model.IsRepoKind(err, model.RepoNotFound) {
		return fmt.Errorf("プロフィールの削除に失敗しました: %w", err)
	}

	// 2. IdPのユーザーを削除
	if err := s.identities.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("IdPユーザーの削除に失敗しました: %w", err)
	}

	// 3. セッションキャッシュを削除し、各デバイスにサインアウトを通知
	if s.sessions != nil {
		deviceIDs, err := s.sessions.PurgeUser(ctx, userID)
		if err != nil {
			s.logger.Warn("セッションキャッシュの削除に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		if s.events != nil {
			for _, deviceID := range deviceIDs {
				s.events.Publish(authevent.Change{DeviceID: deviceID, UserID: userID})
			}
		}
	}

	s.logger.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
