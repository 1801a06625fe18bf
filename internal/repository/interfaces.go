// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/bandstand/internal/model"
)

// ProfileRepository は"User"テーブルのプロフィール永続化インターフェース。
// 取得系は見つからない場合にnil, nilを返す。
// 制約違反や接続失敗は*model.RepoErrorとして返す。
type ProfileRepository interface {
	// Create はプロフィールを作成する。
	Create(ctx context.Context, profile *model.Profile) error

	// CreateIfAbsent は同一IDのプロフィールが存在しない場合のみ作成する。
	// 作成した場合はtrueを返す。
	CreateIfAbsent(ctx context.Context, profile *model.Profile) (bool, error)

	// FindByID は指定IDのプロフィールを取得する。無効化済みのレコードも返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でプロフィールを取得する。
	FindByEmail(ctx context.Context, email string) (*model.Profile, error)

	// Update は部分更新を適用し、更新後のプロフィールを返す。
	// 対象が存在しない場合はnil, nilを返す。
	Update(ctx context.Context, id string, update model.ProfileUpdate) (*model.Profile, error)

	// DeleteByID は指定IDのプロフィールを削除する。
	DeleteByID(ctx context.Context, id string) error

	// ListAbandonedSignups は役割未設定かつ未確認のまま指定時刻より前に作成されたプロフィールを返す。
	ListAbandonedSignups(ctx context.Context, createdBefore time.Time, limit int) ([]*model.Profile, error)
}
