// Package model はドメインモデルを定義する。
package model

import "time"

// Content は保存済みのニュースレター（通知対象コンテンツ）を表す。
// 一度保存されたら本パイプライン内では変更されない。
type Content struct {
	ID             string
	Subject        string
	Body           string   // プレーンテキスト本文
	Topics         []string // 未推定の場合は空
	RelevanceScore *int     // 0-10。未採点の場合はnil
	SourceID       string
	Region         string // 発行元の区（ward）ラベル
	SourceURL      string // スクレイプ元URL（メール取込の場合は空）
	ReceivedAt     time.Time
	CreatedAt      time.Time
}

// Recipient は通知の受信者プロファイルを表す。
// アカウント管理側が所有し、本パイプラインは読み取りのみ行う。
type Recipient struct {
	ID                   string
	Email                string
	NotificationsEnabled bool
}
