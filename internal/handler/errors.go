package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

var errInvalidRequestBody = &model.APIError{
	Code:     "INVALID_REQUEST",
	Message:  "リクエストボディの解析に失敗しました。",
	Category: "validation",
	Action:   "正しいJSON形式でリクエストしてください。",
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstに読み込む。
// 解析に失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 表示用に変換できないエラーは内部エラーとして扱い、詳細はログのみに記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	if apiErr, ok := model.ToAPIError(err); ok {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode >= 500 {
			slog.Error("サービスエラー",
				slog.String("code", apiErr.Code),
				slog.String("error", err.Error()),
			)
		}
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidInput, model.ErrCodeInvalidRole, model.ErrCodeInvalidVerificationLink, errInvalidRequestBody.Code:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeInvalidSession, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeAccountDisabled, model.ErrCodeVerificationRequired:
		return http.StatusForbidden
	case model.ErrCodeProfileNotFound:
		return http.StatusNotFound
	case model.ErrCodeAccountExists, model.ErrCodeRoleAlreadySet, model.ErrCodeProfileConstraint:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeNetwork:
		return http.StatusBadGateway
	case model.ErrCodeProviderDown, model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
