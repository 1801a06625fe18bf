package auth

import (
	"context"

	"github.com/hitoshi/bandstand/internal/model"
)

// IdentityProvider は外部IdPのアダプタインターフェース。
// 失敗はすべて*model.AuthErrorまたは*model.NetworkErrorとして返し、
// IdPクライアントのエラーをそのまま外に出さない。
type IdentityProvider interface {
	// SignUp はメールアドレスとパスワードでアカウントを作成する。
	// IdPがメール確認前のセッション発行を許可しない場合、AccessTokenは空になる。
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*model.IdentitySession, error)

	// SignIn はメールアドレスとパスワードでログインする。
	SignIn(ctx context.Context, email, password string) (*model.IdentitySession, error)

	// SignInWithOAuth は外部プロバイダーでのログインを開始し、ブラウザのリダイレクト先を返す。
	SignInWithOAuth(ctx context.Context, provider, returnTo string) (*OAuthRedirect, error)

	// ExchangeOAuthCode はOAuthリダイレクト後のコードをセッションに交換する。
	ExchangeOAuthCode(ctx context.Context, initCode, returnToCode string) (*model.IdentitySession, error)

	// GetSession はトークンに対応するセッションを返す。存在しない場合はnil, nilを返す。
	GetSession(ctx context.Context, token string) (*model.IdentitySession, error)

	// GetUser はトークンに対応するユーザーを返す。存在しない場合はnil, nilを返す。
	GetUser(ctx context.Context, token string) (*model.IdentityUser, error)

	// SignOut はセッションを破棄する。
	SignOut(ctx context.Context, token string) error

	// UpdatePassword はログイン中のユーザーのパスワードを変更する。
	UpdatePassword(ctx context.Context, token, newPassword string) error

	// DeleteUser はIdP上のユーザーを削除する。既に存在しない場合は成功とみなす。
	DeleteUser(ctx context.Context, userID string) error

	// Refresh はセッションの有効期限を延長する。
	Refresh(ctx context.Context, session *model.IdentitySession) (*model.IdentitySession, error)

	// RecoveryLink はパスワード再設定用のリンクを発行する。
	RecoveryLink(ctx context.Context, userID string) (string, error)
}

// OAuthRedirect はOAuthログイン開始時の戻り値。
// InitCodeはコールバックでのコード交換に必要なため、呼び出し元がCookie等で保持する。
type OAuthRedirect struct {
	URL      string
	InitCode string
}

// Recorder は認証処理の結果を記録するメトリクスのインターフェース。
type Recorder interface {
	RecordAuth(operation, outcome string)
	RecordContinuation(state string)
}

// nopRecorder はRecorder未指定時に使う。
type nopRecorder struct{}

func (nopRecorder) RecordAuth(string, string) {}
func (nopRecorder) RecordContinuation(string) {}
