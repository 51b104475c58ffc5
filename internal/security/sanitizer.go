// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は利用者が入力したプロフィール文字列からHTMLを取り除き、
// 文書ストアにはプレーンテキストのみが保存されるようにする。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を除去する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキスト化のインターフェースを定義する。
type TextSanitizer interface {
	// SanitizeText はHTMLタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 連続する空白文字は1つの半角スペースにまとめる。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyは &amp; などのエンティティをエスケープした形で返すため、元の文字に戻す。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}
