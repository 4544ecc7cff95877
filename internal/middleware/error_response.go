package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nklact/norma-identity/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// statusForCode はエラーコードからHTTPステータスコードを導出する。
var statusForCode = map[string]int{
	model.ErrCodeQuotaExceeded:          http.StatusForbidden,
	model.ErrCodeAlreadyLinked:          http.StatusConflict,
	model.ErrCodeMergeConflict:          http.StatusConflict,
	model.ErrCodeSessionLimitReached:    http.StatusOK, // 致命的ではない（自動失効して続行）
	model.ErrCodeFingerprintUnavailable: http.StatusServiceUnavailable,
	model.ErrCodeAuthRequired:           http.StatusUnauthorized,
	model.ErrCodeInvalidCredentials:     http.StatusUnauthorized,
	model.ErrCodeValidation:             http.StatusBadRequest,
	model.ErrCodeRateLimited:            http.StatusTooManyRequests,
	model.ErrCodeIdentityNotFound:       http.StatusNotFound,
	model.ErrCodeChatNotFound:           http.StatusNotFound,
}

// WriteError はエラーを適切なHTTPステータスで書き込む。
// APIErrorでないエラーは詳細を漏らさず500として扱う。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		WriteInternalServerError(w)
		return
	}

	status, ok := statusForCode[apiErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	WriteErrorResponse(w, status, apiErr)
}
