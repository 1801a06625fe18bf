package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/bandstand/internal/model"
)

const (
	// CSRFCookieName はCSRFトークンのCookie名。フロントエンドが読めるようHttpOnlyにしない。
	CSRFCookieName = "csrf_token"
	// CSRFHeaderName は状態変更リクエストでトークンを送るヘッダー名。
	CSRFHeaderName = "X-CSRF-Token"

	defaultCSRFTokenMaxAge = 24 * time.Hour
)

// CSRF検証の失敗理由（ログ用）。
const (
	csrfMissingCookie = "missing_cookie"
	csrfMissingHeader = "missing_header"
	csrfMismatch      = "mismatch"
	csrfForeignOrigin = "foreign_origin"
)

// errCSRF はCSRF検証に失敗したときのエラー。理由はクライアントに返さない。
var errCSRF = &model.APIError{
	Code:     "CSRF_TOKEN_INVALID",
	Message:  "リクエストを検証できませんでした。",
	Category: "auth",
	Action:   "ページを再読み込みしてから再度お試しください。",
}

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string

	// TrustedOrigins が空でなければ、Originヘッダー付きの状態変更リクエストはこのいずれかに限る。
	TrustedOrigins []string

	// TokenMaxAge はトークンCookieの有効期間。0の場合は24時間。
	TokenMaxAge time.Duration
}

func (c CSRFConfig) maxAge() int {
	if c.TokenMaxAge <= 0 {
		return int(defaultCSRFTokenMaxAge.Seconds())
	}
	return int(c.TokenMaxAge.Seconds())
}

func (c CSRFConfig) originAllowed(origin string) bool {
	if origin == "" || len(c.TrustedOrigins) == 0 {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, trusted := range c.TrustedOrigins {
		if strings.EqualFold(origin, strings.TrimRight(trusted, "/")) {
			return true
		}
	}
	return false
}

// NewCSRFMiddleware はダブルサブミットCookie方式のCSRF対策ミドルウェアを返す。
// GET/HEAD/OPTIONSは検証せず、トークンCookieがなければ発行する。
// それ以外のメソッドはCookieとX-CSRF-Tokenヘッダーの一致を要求する。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				if c, err := r.Cookie(CSRFCookieName); err != nil || c.Value == "" {
					if _, err := issueCSRFToken(w, config); err != nil {
						slog.Error("CSRFトークンの生成に失敗しました", slog.String("error", err.Error()))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if reason := checkCSRF(r, config); reason != "" {
				slog.Warn("CSRF検証に失敗しました",
					slog.String("reason", reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, errCSRF)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkCSRF は検証に失敗した理由を返す。成功時は空文字列。
func checkCSRF(r *http.Request, config CSRFConfig) string {
	if !config.originAllowed(r.Header.Get("Origin")) {
		return csrfForeignOrigin
	}

	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return csrfMissingCookie
	}
	header := r.Header.Get(CSRFHeaderName)
	if header == "" {
		return csrfMissingHeader
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return csrfMismatch
	}
	return ""
}

// csrfTokenResponse は GET /api/csrf-token のレスポンス。
type csrfTokenResponse struct {
	Token      string `json:"token"`
	HeaderName string `json:"header_name"`
}

// NewCSRFTokenHandler はCSRFトークンを返すハンドラー。
// GET /api/csrf-token
// Cookieに既存のトークンがあればそれを返し、なければ発行する。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if c, err := r.Cookie(CSRFCookieName); err == nil {
			token = c.Value
		}
		if token == "" {
			issued, err := issueCSRFToken(w, config)
			if err != nil {
				slog.Error("CSRFトークンの生成に失敗しました", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}
			token = issued
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(csrfTokenResponse{Token: token, HeaderName: CSRFHeaderName})
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// issueCSRFToken は新しいトークンを生成してCookieに書き込む。
func issueCSRFToken(w http.ResponseWriter, config CSRFConfig) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   config.maxAge(),
		HttpOnly: false,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}
