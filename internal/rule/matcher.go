// Package rule は通知ルールとコンテンツの照合ロジックを提供する。
// 照合は純粋関数であり、I/Oや状態を持たない。
package rule

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/digestman/internal/model"
)

// ErrNoCriteria はルールに有効な条件が1つもないことを示す。
var ErrNoCriteria = errors.New("rule has no criteria")

// Matches はコンテンツがルールを満たすかを判定する。
// 宣言された空でない条件をすべて満たす場合のみtrueを返す（カテゴリ間AND）。
// 同一カテゴリ内の複数値はいずれか1つを満たせばよい（カテゴリ内OR）。
// 条件を1つも持たないルールは何にもマッチしない。
func Matches(content *model.Content, r *model.Rule) bool {
	if content == nil || r == nil {
		return false
	}
	if !HasCriteria(r) {
		return false
	}

	// トピック: 共通要素が1つ以上
	if len(r.Topics) > 0 && !intersects(content.Topics, r.Topics) {
		return false
	}

	// 検索フレーズ: 本文に大文字小文字を無視した部分一致
	if hasSearchTerm(r) &&
		!strings.Contains(strings.ToLower(content.Body), strings.ToLower(r.SearchTerm)) {
		return false
	}

	// 最低スコア: 未採点は常に不一致
	if r.MinRelevanceScore != nil {
		if content.RelevanceScore == nil || *content.RelevanceScore < *r.MinRelevanceScore {
			return false
		}
	}

	// 発行元
	if len(r.SourceIDs) > 0 && !slices.Contains(r.SourceIDs, content.SourceID) {
		return false
	}

	// 区ラベル（完全一致）
	if len(r.Regions) > 0 && !slices.Contains(r.Regions, content.Region) {
		return false
	}

	return true
}

// HasCriteria はルールが空でない条件を1つ以上持つかを返す。
func HasCriteria(r *model.Rule) bool {
	return len(r.Topics) > 0 ||
		hasSearchTerm(r) ||
		r.MinRelevanceScore != nil ||
		len(r.SourceIDs) > 0 ||
		len(r.Regions) > 0
}

// Validate はルールの形式を検証する。
// ルール管理側で検証済みのはずだが、照合前に不正なルールを検出してログに残すために使う。
func Validate(r *model.Rule) error {
	if !HasCriteria(r) {
		return ErrNoCriteria
	}
	if n := utf8.RuneCountInString(r.SearchTerm); n > model.MaxSearchTermLength {
		return fmt.Errorf("search term too long: %d > %d", n, model.MaxSearchTermLength)
	}
	if r.MinRelevanceScore != nil {
		if s := *r.MinRelevanceScore; s < 0 || s > 10 {
			return fmt.Errorf("min relevance score out of range: %d", s)
		}
	}
	return nil
}

// hasSearchTerm は検索フレーズが条件として有効かを返す。空白のみは条件なしとみなす。
// 照合には前後の空白も含めたフレーズをそのまま使う。
func hasSearchTerm(r *model.Rule) bool {
	return strings.TrimSpace(r.SearchTerm) != ""
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
