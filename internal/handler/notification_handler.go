package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
	"github.com/hitoshi/digestman/internal/worker/digest"
)

// QueueResetter は失敗したキューエントリを再処理対象に戻すインターフェース。
type QueueResetter interface {
	ResetFailed(ctx context.Context, filter repository.ResetFilter) (int64, error)
}

// NotificationHandler は通知キューの運用操作を提供するHTTPハンドラー。
type NotificationHandler struct {
	queue    QueueResetter
	location *time.Location
	logger   *slog.Logger
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(queue QueueResetter, location *time.Location, logger *slog.Logger) *NotificationHandler {
	if location == nil {
		location = time.UTC
	}
	return &NotificationHandler{queue: queue, location: location, logger: logger}
}

// reprocessRequest は再処理リクエストのボディ。
type reprocessRequest struct {
	BatchID string `json:"batch_id"`
	OwnerID string `json:"owner_id"`
}

// reprocessResponse は再処理のレスポンス。
type reprocessResponse struct {
	BatchID string `json:"batch_id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Reset   int64  `json:"reset"`
}

// Reprocess はfailedのエントリをpendingに戻し、次回のバッチで再送されるようにする。
// batch_idとowner_idの少なくとも一方が必要。
// POST /api/notifications/reprocess
func (h *NotificationHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	filter, err := h.validate(req)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	n, err := h.queue.ResetFailed(r.Context(), filter)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("失敗エントリを再処理対象に戻しました",
		slog.String("batch_id", filter.BatchID),
		slog.String("owner_id", filter.OwnerID),
		slog.Int64("reset", n),
	)

	middleware.WriteJSON(w, http.StatusOK, reprocessResponse{
		BatchID: filter.BatchID,
		OwnerID: filter.OwnerID,
		Reset:   n,
	})
}

func (h *NotificationHandler) validate(req reprocessRequest) (repository.ResetFilter, error) {
	if req.BatchID == "" && req.OwnerID == "" {
		return repository.ResetFilter{}, model.NewMissingParameterError("batch_id or owner_id")
	}
	if req.BatchID != "" {
		if _, err := digest.ParseBatchID(req.BatchID, h.location); err != nil {
			return repository.ResetFilter{}, err
		}
	}
	if req.OwnerID != "" {
		if _, err := uuid.Parse(req.OwnerID); err != nil {
			return repository.ResetFilter{}, model.NewInvalidParameterError("owner_id", req.OwnerID)
		}
	}
	return repository.ResetFilter{BatchID: req.BatchID, OwnerID: req.OwnerID}, nil
}
