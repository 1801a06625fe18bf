package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// プロフィール、IdPのユーザー、全デバイスのセッションキャッシュを削除する。
	Withdraw(ctx context.Context, userID string) error
}

// ProfileReader はログイン中のユーザーのプロフィールを取得するインターフェース。
type ProfileReader interface {
	CurrentProfile(ctx context.Context, userID, deviceID string) (*model.Profile, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service  UserServiceInterface
	profiles ProfileReader
	cookies  AuthHandlerConfig
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, profiles ProfileReader, cookies AuthHandlerConfig) *UserHandler {
	return &UserHandler{
		service:  service,
		profiles: profiles,
		cookies:  cookies,
	}
}

// Me はログイン中のユーザーのプロフィールを返す。
// GET /api/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	profile, err := h.profiles.CurrentProfile(r.Context(), userID, middleware.DeviceIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// Withdraw はユーザーの退会処理を実行し、セッションCookieを削除する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookies.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookies.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
