// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bandstand/internal/auth"
	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/model"
)

// oauthInitCookie はOAuthフロー開始時のコードを保持するCookieの名前。
const oauthInitCookie = "oauth_init"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, data auth.SignupData, deviceID string) (*auth.RegisterResult, error)
	Login(ctx context.Context, creds auth.Credentials, deviceID string) (*auth.LoginResult, error)
	Logout(ctx context.Context, token, deviceID string) error
	RequestPasswordReset(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context, token string) (*model.Profile, error)
	ResendVerification(ctx context.Context, email string) error
	StartOAuth(ctx context.Context, provider, returnTo string) (*auth.OAuthRedirect, error)
	ExchangeOAuth(ctx context.Context, initCode, returnToCode string) (*model.IdentitySession, error)
	Remember(ctx context.Context, deviceID string, profile *model.Profile)
}

// ContinuationResolver はセッションの状態を解決するインターフェース。
type ContinuationResolver interface {
	Resolve(ctx context.Context, token string) (*auth.Outcome, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL   string // 遷移先の画面を提供するオリジン
	CallbackURL   string // IdPからのリダイレクト先（/auth/callback）
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はサインアップ、ログイン、OAuth、パスワード、メール確認のHTTPハンドラー。
type AuthHandler struct {
	service      AuthServiceInterface
	continuation ContinuationResolver
	config       AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, continuation ContinuationResolver, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:      service,
		continuation: continuation,
		config:       config,
	}
}

type signupRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	FirstName   string `json:"first_name" validate:"max=100"`
	LastName    string `json:"last_name" validate:"max=100"`
	DisplayName string `json:"display_name" validate:"max=100"`
	Role        string `json:"role" validate:"omitempty,oneof=artist provider partner"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type updatePasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// authResponse はサインアップ・ログイン・確認のレスポンス。
type authResponse struct {
	Profile           *model.Profile `json:"profile"`
	NeedsVerification bool           `json:"needs_verification"`
	Next              string         `json:"next"`
}

// Signup はアカウントを登録する。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	result, err := h.service.Register(r.Context(), auth.SignupData{
		Email:       req.Email,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DisplayName: req.DisplayName,
		Role:        model.Role(req.Role),
	}, middleware.DeviceIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := authResponse{
		Profile:           result.Profile,
		NeedsVerification: result.NeedsVerification,
		Next:              auth.RouteLogin,
	}
	if result.Session != nil {
		h.setSessionCookie(w, result.Session.AccessToken)
		resp.Next = stateForProfile(result.Profile).Route()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Login はメールアドレスとパスワードでログインする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	result, err := h.service.Login(r.Context(), auth.Credentials{
		Email:    req.Email,
		Password: req.Password,
	}, middleware.DeviceIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, result.Session.AccessToken)
	writeJSON(w, http.StatusOK, authResponse{
		Profile: result.Profile,
		Next:    stateForProfile(result.Profile).Route(),
	})
}

// Logout はセッションを破棄する。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		token = cookie.Value
	}

	if err := h.service.Logout(r.Context(), token, middleware.DeviceIDFromContext(r.Context())); err != nil {
		// IdP側の破棄に失敗してもCookieはクリアする
		slog.Error("ログアウトに失敗しました", slog.String("error", err.Error()))
	}

	h.clearCookie(w, middleware.SessionCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// StartOAuth は外部プロバイダーでのログインを開始する。
// GET /auth/oauth/{provider}
func (h *AuthHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	redirect, err := h.service.StartOAuth(r.Context(), provider, h.config.CallbackURL)
	if err != nil {
		slog.Warn("OAuthの開始に失敗しました",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		h.redirectToFrontend(w, r, auth.RouteLogin, errorCode(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthInitCookie,
		Value:    redirect.InitCode,
		Path:     "/auth",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, redirect.URL, http.StatusSeeOther)
}

// Callback はOAuthリダイレクト後のコードをセッションに交換し、状態に応じて遷移先へリダイレクトする。
// GET /auth/callback?code=xxx
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	returnToCode := r.URL.Query().Get("code")
	initCookie, err := r.Cookie(oauthInitCookie)
	h.clearCookieAt(w, oauthInitCookie, "/auth")

	token := ""
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		token = cookie.Value
	}

	// 同じリダイレクトの再配送ではinitコードが消費済みのため、既存のセッションで状態を解決する
	if err == nil && initCookie.Value != "" && returnToCode != "" {
		session, exErr := h.service.ExchangeOAuth(r.Context(), initCookie.Value, returnToCode)
		if exErr != nil {
			slog.Warn("OAuthコードの交換に失敗しました", slog.String("error", exErr.Error()))
			if token == "" {
				h.redirectToFrontend(w, r, auth.RouteLogin, errorCode(exErr))
				return
			}
		} else {
			token = session.AccessToken
			h.setSessionCookie(w, token)
		}
	}

	outcome, err := h.continuation.Resolve(r.Context(), token)
	if err != nil {
		slog.Error("セッション状態の解決に失敗しました", slog.String("error", err.Error()))
		h.redirectToFrontend(w, r, auth.RouteLogin, errorCode(err))
		return
	}

	deviceID := middleware.DeviceIDFromContext(r.Context())
	switch {
	case outcome.State == auth.StateNoSession && token != "":
		// 無効化されたアカウントや失効したセッションはサインアウトさせる
		if err := h.service.Logout(r.Context(), token, deviceID); err != nil {
			slog.Warn("セッションの破棄に失敗しました", slog.String("error", err.Error()))
		}
		h.clearCookie(w, middleware.SessionCookieName)
	case outcome.Profile != nil:
		h.service.Remember(r.Context(), deviceID, outcome.Profile)
	}

	h.redirectToFrontend(w, r, outcome.Route(), "")
}

// RequestPasswordReset はパスワード再設定メールを送信する。
// アカウントの有無にかかわらず202を返す。
// POST /auth/password/reset
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// UpdatePassword はログイン中のユーザーのパスワードを変更する。
// PUT /auth/password
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req updatePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.service.UpdatePassword(r.Context(), middleware.TokenFromContext(r.Context()), req.Password); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyEmail はメール確認リンクを処理し、ログイン画面へリダイレクトする。
// GET /auth/verify?token=xxx
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.redirectToFrontend(w, r, auth.RouteLogin, model.ErrCodeInvalidVerificationLink)
		return
	}

	if _, err := h.service.VerifyEmail(r.Context(), token); err != nil {
		h.redirectToFrontend(w, r, auth.RouteLogin, errorCode(err))
		return
	}

	target := h.frontendURL(auth.RouteLogin, "")
	target = appendQuery(target, "verified", "1")
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// ResendVerification は確認メールを再送する。
// アカウントの有無にかかわらず202を返す。
// POST /auth/verify/resend
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.service.ResendVerification(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// setSessionCookie はセッショントークンをHTTP Only Cookieに設定する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	if token == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	h.clearCookieAt(w, name, "/")
}

func (h *AuthHandler) clearCookieAt(w http.ResponseWriter, name, path string) {
	domain := h.config.CookieDomain
	if name == oauthInitCookie {
		domain = ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// frontendURL は画面のパスに必要ならerrorクエリを付けたURLを返す。
func (h *AuthHandler) frontendURL(route, code string) string {
	target := strings.TrimRight(h.config.FrontendURL, "/") + route
	if code != "" {
		target = appendQuery(target, "error", code)
	}
	return target
}

func (h *AuthHandler) redirectToFrontend(w http.ResponseWriter, r *http.Request, route, code string) {
	http.Redirect(w, r, h.frontendURL(route, code), http.StatusSeeOther)
}

// appendQuery はURLにクエリパラメータを追加する。
func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// errorCode はリダイレクト先に渡すエラーコードを返す。
func errorCode(err error) string {
	if apiErr, ok := model.ToAPIError(err); ok {
		return apiErr.Code
	}
	return model.ErrCodeInternal
}

// stateForProfile はログイン直後のプロフィールから遷移先の状態を決める。
func stateForProfile(profile *model.Profile) auth.State {
	return auth.ResolveState(&model.IdentitySession{}, profile, nil)
}
