package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// blockBreak はテキスト抽出時に改行として扱う要素の境界。
var blockBreak = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/h[1-6]|/tr|/td|/blockquote)\s*>`)

// blankLines は3行以上連続する空行。
var blankLines = regexp.MustCompile(`\n{3,}`)

// TextExtractor はHTMLからすべてのタグを除去し、本文のテキストを取り出す。
// 抽出したテキストはルールの検索フレーズ照合とダイジェスト本文に使用する。
type TextExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorを生成する。
// script, style要素は内容ごと除去される。
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{policy: bluemonday.StrictPolicy()}
}

// Extract はHTMLをプレーンテキストに変換する。
// ブロック要素の境界は改行になり、行内の連続する空白は1つにまとめる。
func (e *TextExtractor) Extract(rawHTML string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}

	withBreaks := blockBreak.ReplaceAllString(rawHTML, "$0\n")
	text := html.UnescapeString(e.policy.Sanitize(withBreaks))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}

	out := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}
