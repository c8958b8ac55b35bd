// Package handler は運用APIのHTTPハンドラーを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
)

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidBatchID, model.ErrCodeInvalidRequest,
		model.ErrCodeMissingParameter, model.ErrCodeInvalidParameter, model.ErrCodeInvalidRule:
		return http.StatusBadRequest
	case model.ErrCodeContentNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
