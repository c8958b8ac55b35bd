// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 運用APIのレスポンスに原因カテゴリと対処方法を含める。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, notification, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidBatchID    = "INVALID_BATCH_ID"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeContentNotFound   = "CONTENT_NOT_FOUND"
	ErrCodeMissingParameter  = "MISSING_PARAMETER"
	ErrCodeInvalidParameter  = "INVALID_PARAMETER"
	ErrCodeInvalidRule       = "INVALID_RULE"
	ErrCodeDeliveryFailed    = "DELIVERY_FAILED"
	ErrCodeDeliveryTimeout   = "DELIVERY_TIMEOUT"
	ErrCodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	ErrCodeNotificationsOff  = "NOTIFICATIONS_DISABLED"
)

// NewInvalidBatchIDError は不正なバッチIDエラーを生成する。
func NewInvalidBatchIDError(batchID string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBatchID,
		Message:  fmt.Sprintf("無効なバッチIDです: %s", batchID),
		Category: "validation",
		Action:   "バッチIDは YYYY-MM-DD 形式で指定してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewMissingParameterError は必須パラメータ未指定エラーを生成する。
func NewMissingParameterError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingParameter,
		Message:  fmt.Sprintf("必須パラメータが指定されていません: %s", name),
		Category: "validation",
		Action:   "パラメータを指定して再度リクエストしてください。",
	}
}

// NewInvalidParameterError はパラメータの値が不正な場合のエラーを生成する。
func NewInvalidParameterError(name, value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("パラメータの値が不正です: %s=%s", name, value),
		Category: "validation",
		Action:   "パラメータの形式を確認してください。",
	}
}

// NewContentNotFoundError はコンテンツ未検出エラーを生成する。
func NewContentNotFoundError(contentID string) *APIError {
	return &APIError{
		Code:     ErrCodeContentNotFound,
		Message:  fmt.Sprintf("指定されたコンテンツが見つかりません: %s", contentID),
		Category: "notification",
		Action:   "コンテンツIDを確認してください。",
	}
}

// DeliveryError は受信者単位の配信失敗を表す。
// Code は履歴のエラー詳細に記録される分類。
type DeliveryError struct {
	Code    string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryFailedError は配信プロバイダ起因の失敗を生成する。
func NewDeliveryFailedError(err error) *DeliveryError {
	return &DeliveryError{Code: ErrCodeDeliveryFailed, Message: "delivery failed", Err: err}
}

// NewDeliveryTimeoutError は配信のタイムアウトを生成する。
func NewDeliveryTimeoutError(err error) *DeliveryError {
	return &DeliveryError{Code: ErrCodeDeliveryTimeout, Message: "delivery timed out", Err: err}
}

// NewRecipientNotFoundError は受信者プロファイルが存在しない場合の失敗を生成する。
func NewRecipientNotFoundError(ownerID string) *DeliveryError {
	return &DeliveryError{Code: ErrCodeRecipientNotFound, Message: fmt.Sprintf("recipient not found: %s", ownerID)}
}

// NewNotificationsDisabledError は受信者が通知を無効化している場合の失敗を生成する。
func NewNotificationsDisabledError(ownerID string) *DeliveryError {
	return &DeliveryError{Code: ErrCodeNotificationsOff, Message: fmt.Sprintf("user notifications disabled: %s", ownerID)}
}

// DeliveryErrorCode はエラーチェーンからDeliveryErrorのコードを取り出す。
// DeliveryErrorを含まない場合はDELIVERY_FAILEDを返す。
func DeliveryErrorCode(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeDeliveryFailed
}
