// Package security はユーザー入力のサニタイズを提供する。
//
// TextSanitizer はタイトル・説明・タグ・中止理由・評価コメントなど
// プレーンテキストとして扱う入力からマークアップを取り除く。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はbluemondayのStrictPolicyで全てのタグを除去するサニタイザ。
// ポリシーはスレッドセーフで、複数のgoroutineから共有できる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
// StrictPolicyがエスケープした文字参照は元の文字に戻す。
// JSONとして返す値であり、HTMLへの埋め込みは表示側がエスケープする。
func (s *TextSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// SanitizeTags は各タグをサニタイズし、空のタグと重複を取り除く。順序は保持する。
func (s *TextSanitizer) SanitizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		clean := s.SanitizeText(tag)
		if clean == "" {
			continue
		}
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}
