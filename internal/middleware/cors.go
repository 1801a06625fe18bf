package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware はフロントエンドのオリジンからのクロスオリジンリクエストを許可する。
// Cookie認証と併用するためワイルドカードは使わず、Originが一致したときだけ許可ヘッダーを返す。
// 一致しないOriginからのプリフライトは403で拒否する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	allowed := strings.TrimRight(allowedOrigin, "/")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := strings.TrimRight(r.Header.Get("Origin"), "/")
			match := origin != "" && allowed != "" && strings.EqualFold(origin, allowed)
			if match {
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Expose-Headers", "Retry-After")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !match {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+CSRFHeaderName)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
