// Package notify はトランザクションメールの送信を提供する。
// 送信はベストエフォートで、失敗は呼び出し元にエラーとして返さずログに記録する。
package notify

import (
	"context"
	"log/slog"
)

// Notifier はアカウントライフサイクルで送信するメールのインターフェース。
// 戻り値は送信に成功したかどうかで、呼び出し元の主処理を失敗させてはならない。
type Notifier interface {
	SendWelcome(ctx context.Context, email, firstName string) bool
	SendVerification(ctx context.Context, email, link string) bool
	SendPasswordReset(ctx context.Context, email, link string) bool
}

// Recorder はメール送信結果を記録するメトリクスのインターフェース。
type Recorder interface {
	RecordEmail(kind, result string)
}

// メール種別
const (
	KindWelcome       = "welcome"
	KindVerification  = "verification"
	KindPasswordReset = "password_reset"
)

// Nop はAPIキー未設定時に使うNotifier。何も送信せずfalseを返す。
type Nop struct {
	Logger *slog.Logger
}

func (n Nop) log(kind, email string) bool {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("メール送信が無効なため送信をスキップしました",
		slog.String("kind", kind),
		slog.String("to", maskEmail(email)),
	)
	return false
}

func (n Nop) SendWelcome(_ context.Context, email, _ string) bool {
	return n.log(KindWelcome, email)
}

func (n Nop) SendVerification(_ context.Context, email, _ string) bool {
	return n.log(KindVerification, email)
}

func (n Nop) SendPasswordReset(_ context.Context, email, _ string) bool {
	return n.log(KindPasswordReset, email)
}

// maskEmail はログ出力用にメールアドレスのローカル部を伏せる。
func maskEmail(email string) string {
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			if i == 0 {
				return "***" + email[i:]
			}
			return email[:1] + "***" + email[i:]
		}
	}
	return "***"
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*ResendClient)(nil)
)
