package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// DeviceCookieName はブラウザ（デバイス）を識別するCookieの名前。
const DeviceCookieName = "device_id"

const deviceCookieMaxAge = 365 * 24 * 60 * 60

var deviceIDContextKey = contextKey("device_id")

// DeviceConfig はデバイスIDミドルウェアの設定。
type DeviceConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewDeviceMiddleware はデバイスID Cookieを読み取り、なければ発行するミドルウェアを返す。
// セッションキャッシュと認証イベントの購読はデバイスID単位で行う。
func NewDeviceMiddleware(config DeviceConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := ""
			if cookie, err := r.Cookie(DeviceCookieName); err == nil {
				if _, err := uuid.Parse(cookie.Value); err == nil {
					deviceID = cookie.Value
				}
			}

			if deviceID == "" {
				deviceID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     DeviceCookieName,
					Value:    deviceID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   deviceCookieMaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := context.WithValue(r.Context(), deviceIDContextKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceIDFromContext はリクエストコンテキストからデバイスIDを取得する。
func DeviceIDFromContext(ctx context.Context) string {
	deviceID, _ := ctx.Value(deviceIDContextKey).(string)
	return deviceID
}

// ContextWithDeviceID はコンテキストにデバイスIDを注入する。
func ContextWithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDContextKey, deviceID)
}
