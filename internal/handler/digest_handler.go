package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/worker/digest"
)

// DigestRunner はダイジェスト処理を実行するインターフェース。
// digest.Runnerが実装する。
type DigestRunner interface {
	Run(ctx context.Context, opts digest.Options) (*digest.Report, error)
}

// DigestHandler はダイジェストのプレビューを提供するHTTPハンドラー。
type DigestHandler struct {
	runner DigestRunner
	logger *slog.Logger
}

// NewDigestHandler はDigestHandlerを生成する。
func NewDigestHandler(runner DigestRunner, logger *slog.Logger) *DigestHandler {
	return &DigestHandler{runner: runner, logger: logger}
}

// Preview はドライランでダイジェストを組み立てて返す。キューは変更しない。
// GET /api/digests/preview?batch=YYYY-MM-DD
func (h *DigestHandler) Preview(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch")

	report, err := h.runner.Run(r.Context(), digest.Options{BatchID: batchID, DryRun: true})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, report)
}
