package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

const (
	// DefaultResendEndpoint はResendのメール送信APIのエンドポイント。
	DefaultResendEndpoint = "https://api.resend.com/emails"
	// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
	maxErrorBodySize = 4 << 10
)

// EmailConfig はEmailSenderの設定。
type EmailConfig struct {
	APIKey         string
	Endpoint       string // 空の場合はDefaultResendEndpoint
	From           string
	PreferencesURL string
	Location       *time.Location // 日付表示に使うタイムゾーン
	// Unsubscribe は配信停止リンクの署名に使う。nilの場合はリンクを付けない。
	Unsubscribe *UnsubscribeSigner
}

// EmailSender はResend APIを使用してダイジェストメールを送信するSender。
// 送信前に受信者プロファイルを読み込み、通知設定を確認する。
type EmailSender struct {
	httpClient *http.Client
	recipients repository.RecipientRepository
	cfg        EmailConfig
	logger     *slog.Logger
}

// NewEmailSender はEmailSenderを生成する。
func NewEmailSender(
	httpClient *http.Client,
	recipients repository.RecipientRepository,
	cfg EmailConfig,
	logger *slog.Logger,
) *EmailSender {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultResendEndpoint
	}
	return &EmailSender{
		httpClient: httpClient,
		recipients: recipients,
		cfg:        cfg,
		logger:     logger,
	}
}

// resendRequest はResend APIのリクエストボディ。
type resendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text"`
	Headers map[string]string `json:"headers,omitempty"`
}

// resendResponse はResend APIの成功レスポンス。
type resendResponse struct {
	ID string `json:"id"`
}

// Send は受信者を解決し、ダイジェストメールを1通送信する。
func (s *EmailSender) Send(ctx context.Context, digest model.Digest) (model.Receipt, error) {
	// 1. 受信者プロファイルの確認
	recipient, err := s.recipients.FindByID(ctx, digest.OwnerID)
	if err != nil {
		return model.Receipt{}, s.wrap(ctx, fmt.Errorf("受信者の取得に失敗しました: %w", err))
	}
	if recipient == nil || recipient.Email == "" {
		return model.Receipt{}, model.NewRecipientNotFoundError(digest.OwnerID)
	}
	if !recipient.NotificationsEnabled {
		return model.Receipt{}, model.NewNotificationsDisabledError(digest.OwnerID)
	}

	// 2. 本文の組み立て
	links := Links{PreferencesURL: s.cfg.PreferencesURL}
	var headers map[string]string
	if s.cfg.Unsubscribe != nil {
		links.UnsubscribeURL, err = s.cfg.Unsubscribe.URL(digest.OwnerID)
		if err != nil {
			return model.Receipt{}, model.NewDeliveryFailedError(err)
		}
		// RFC 8058 のワンクリック配信停止
		headers = map[string]string{
			"List-Unsubscribe":      "<" + links.UnsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}

	msg, err := RenderDigest(digest, links, s.cfg.Location)
	if err != nil {
		return model.Receipt{}, model.NewDeliveryFailedError(err)
	}

	body, err := json.Marshal(resendRequest{
		From:    s.cfg.From,
		To:      []string{recipient.Email},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Headers: headers,
	})
	if err != nil {
		return model.Receipt{}, model.NewDeliveryFailedError(err)
	}

	// 3. HTTPリクエスト実行
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Receipt{}, model.NewDeliveryFailedError(fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("User-Agent", "Digestman/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Resend APIの呼び出しに失敗しました",
			slog.String("owner_id", digest.OwnerID),
			slog.String("batch_id", digest.BatchID),
			slog.String("error", err.Error()),
		)
		return model.Receipt{}, s.wrap(ctx, err)
	}
	defer resp.Body.Close()

	// 4. HTTPステータスチェック
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		s.logger.Error("Resend APIがエラーステータスを返しました",
			slog.String("owner_id", digest.OwnerID),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.Receipt{}, model.NewDeliveryFailedError(
			fmt.Errorf("Resend APIがステータス %d を返しました: %s", resp.StatusCode, bytes.TrimSpace(detail)),
		)
	}

	var result resendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.Receipt{}, s.wrap(ctx, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	return model.Receipt{ProviderMessageID: result.ID}, nil
}

// wrap は送信エラーをDeliveryErrorに変換する。期限切れはタイムアウトとして扱う。
func (s *EmailSender) wrap(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewDeliveryTimeoutError(err)
	}
	return model.NewDeliveryFailedError(err)
}
