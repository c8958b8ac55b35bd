package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// maxHistoryLimit は1回の履歴取得の上限件数。
const maxHistoryLimit = 500

// HistoryLister は配信履歴の検索インターフェース。
type HistoryLister interface {
	List(ctx context.Context, filter repository.HistoryFilter) ([]*model.HistoryEntry, error)
}

// HistoryHandler は配信履歴の参照を提供するHTTPハンドラー。
type HistoryHandler struct {
	history HistoryLister
	logger  *slog.Logger
}

// NewHistoryHandler はHistoryHandlerを生成する。
func NewHistoryHandler(history HistoryLister, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, logger: logger}
}

// historyEntryResponse は配信履歴1件のレスポンス。
type historyEntryResponse struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	ContentIDs        []string  `json:"content_ids"`
	RuleIDs           []string  `json:"rule_ids"`
	BatchID           string    `json:"batch_id"`
	DeliveryType      string    `json:"delivery_type"`
	SentAt            time.Time `json:"sent_at"`
	Success           bool      `json:"success"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
}

// List は配信履歴を新しい順に返す。
// GET /api/history?owner_id=xxx&batch_id=YYYY-MM-DD&limit=50
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := repository.HistoryFilter{
		OwnerID: q.Get("owner_id"),
		BatchID: q.Get("batch_id"),
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 || limit > maxHistoryLimit {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidParameterError("limit", s))
			return
		}
		filter.Limit = limit
	}

	entries, err := h.history.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	out := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryResponse{
			ID:                e.ID,
			OwnerID:           e.OwnerID,
			ContentIDs:        e.ContentIDs,
			RuleIDs:           e.RuleIDs,
			BatchID:           e.BatchID,
			DeliveryType:      e.DeliveryType,
			SentAt:            e.SentAt,
			Success:           e.Success,
			ErrorMessage:      e.ErrorMessage,
			ProviderMessageID: e.ProviderMessageID,
		})
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{"history": out})
}
