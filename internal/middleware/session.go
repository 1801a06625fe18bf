// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/bandstand/internal/model"
)

// SessionCookieName はIdPのセッショントークンを保持するCookieの名前。
const SessionCookieName = "session_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionContextKey はIdPセッションを格納するためのキー。
	sessionContextKey = contextKey("session")
	// tokenContextKey はセッショントークンを格納するためのキー。
	tokenContextKey = contextKey("session_token")
	// userIDHolderKey は外側のミドルウェアへユーザーIDを伝えるための入れ物のキー。
	userIDHolderKey = contextKey("user_id_holder")
)

// userIDHolder は内側で確定したユーザーIDを外側のミドルウェアから参照するための入れ物。
type userIDHolder struct {
	userID string
}

func contextWithUserIDHolder(ctx context.Context, holder *userIDHolder) context.Context {
	return context.WithValue(ctx, userIDHolderKey, holder)
}

// SessionResolver はセッショントークンからIdPセッションを取得するインターフェース。
// auth.IdentityProviderの部分集合として定義する。
type SessionResolver interface {
	GetSession(ctx context.Context, token string) (*model.IdentitySession, error)
}

// SessionRefresher は期限が近いセッションを延長する。
type SessionRefresher interface {
	Refresh(ctx context.Context, session *model.IdentitySession) (*model.IdentitySession, error)
}

// SessionRefreshConfig はセッション延長の設定。
// 残り有効期間がWindowを下回ったセッションを延長し、Cookieの有効期限も合わせて更新する。
type SessionRefreshConfig struct {
	Refresher    SessionRefresher
	Window       time.Duration
	CookieSecure bool
	CookieDomain string
}

// SessionOption はセッションミドルウェアのオプション。
type SessionOption func(*SessionRefreshConfig)

// WithSessionRefresh は期限が近いセッションの自動延長を有効にする。
func WithSessionRefresh(config SessionRefreshConfig) SessionOption {
	return func(c *SessionRefreshConfig) {
		*c = config
	}
}

// NewSessionMiddleware はHTTP Only Cookieからセッショントークンを読み取り、
// IdPに問い合わせて有効性を検証するミドルウェアを返す。
// 認証済みユーザーID・セッション・トークンをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(resolver SessionResolver, opts ...SessionOption) func(next http.Handler) http.Handler {
	var refresh SessionRefreshConfig
	for _, opt := range opts {
		opt(&refresh)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Cookieからセッショントークンを取得
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 2. セッションの有効性を検証
			session, err := resolver.GetSession(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("セッションの取得に失敗しました",
					slog.String("error", err.Error()),
				)
				if apiErr, ok := model.ToAPIError(err); ok && apiErr.Category == "system" {
					WriteErrorResponse(w, http.StatusServiceUnavailable, apiErr)
					return
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if session == nil || session.Expired(time.Now()) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 3. 期限が近ければ延長する（失敗しても現在のセッションで続行）
			if refresh.needsRefresh(session, time.Now()) {
				session = refresh.extend(w, r, session)
			}

			// 4. 認証情報をコンテキストに注入
			ctx := ContextWithSession(r.Context(), cookie.Value, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (c SessionRefreshConfig) needsRefresh(session *model.IdentitySession, now time.Time) bool {
	if c.Refresher == nil || c.Window <= 0 || session.ExpiresAt.IsZero() {
		return false
	}
	return session.ExpiresAt.Sub(now) < c.Window
}

func (c SessionRefreshConfig) extend(w http.ResponseWriter, r *http.Request, session *model.IdentitySession) *model.IdentitySession {
	refreshed, err := c.Refresher.Refresh(r.Context(), session)
	if err != nil || refreshed == nil {
		attrs := []any{slog.String("user_id", session.User.ID)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		slog.Warn("セッションの延長に失敗しました", attrs...)
		return session
	}
	if refreshed.AccessToken == "" {
		refreshed.AccessToken = session.AccessToken
	}

	maxAge := int(time.Until(refreshed.ExpiresAt).Seconds())
	if maxAge > 0 {
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    refreshed.AccessToken,
			Path:     "/",
			Domain:   c.CookieDomain,
			MaxAge:   maxAge,
			HttpOnly: true,
			Secure:   c.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	slog.Debug("セッションを延長しました",
		slog.String("user_id", refreshed.User.ID),
		slog.Time("expires_at", refreshed.ExpiresAt),
	)
	return refreshed
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// SessionFromContext はリクエストコンテキストからIdPセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.IdentitySession, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.IdentitySession)
	return session, ok && session != nil
}

// TokenFromContext はリクエストコンテキストからセッショントークンを取得する。
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if holder, ok := ctx.Value(userIDHolderKey).(*userIDHolder); ok {
		holder.userID = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithSession はコンテキストにトークン・セッション・ユーザーIDを注入する。
func ContextWithSession(ctx context.Context, token string, session *model.IdentitySession) context.Context {
	ctx = context.WithValue(ctx, tokenContextKey, token)
	ctx = context.WithValue(ctx, sessionContextKey, session)
	return ContextWithUserID(ctx, session.User.ID)
}
