// Package model はドメインモデルを定義する。
package model

import "time"

// MaxSearchTermLength は検索フレーズの最大文字数。
const MaxSearchTermLength = 100

// Rule はユーザーが定義する通知ルールを表す。
// カテゴリ間はAND、カテゴリ内の複数値はORで評価される。
// 空のスライス・空文字列・nilは「条件なし」を意味する。
type Rule struct {
	ID                string
	OwnerID           string
	Name              string
	Active            bool
	Topics            []string
	SearchTerm        string
	MinRelevanceScore *int
	SourceIDs         []string
	Regions           []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
