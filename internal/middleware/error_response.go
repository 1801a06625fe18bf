package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/bandstand/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの形式。
// フロントエンドはCodeで分岐し、MessageとActionをそのまま表示する。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`

	// RetryAfter は再試行までの秒数。レート制限時のみ設定する。
	RetryAfter int `json:"retry_after,omitempty"`
}

// WriteErrorResponse はAPIエラーをJSONで書き込む。
// 認証まわりの応答をキャッシュさせないため、Cache-Control: no-storeを付ける。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeError(w, statusCode, apiErr, 0)
}

// WriteRetryAfterResponse は再試行までの待ち時間付きでAPIエラーを書き込む。
// Retry-Afterヘッダーとボディのretry_afterには切り上げた秒数（最小1秒）を入れる。
func WriteRetryAfterResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, statusCode, apiErr, seconds)
}

// WriteInternalServerError は500を書き込む。詳細はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

func writeError(w http.ResponseWriter, statusCode int, apiErr *model.APIError, retryAfter int) {
	if apiErr == nil {
		apiErr = model.NewInternalError()
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:       apiErr.Code,
		Message:    apiErr.Message,
		Category:   apiErr.Category,
		Action:     apiErr.Action,
		RetryAfter: retryAfter,
	})
}
