// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はユーザーが入力したプロフィール文字列からHTMLを取り除き、
// 他のユーザーの画面で表示される自己紹介やサービス説明によるXSSを防ぐ。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/bandstand/internal/model"
)

// ProfileSanitizer はプロフィール入力のサニタイズ機能のインターフェースを定義する。
type ProfileSanitizer interface {
	// SanitizeText はタグを除去したプレーンテキストを返す。
	// 戻り値はエスケープされていないため、表示側でエスケープすること。
	SanitizeText(raw string) string

	// SanitizeUpdate は部分更新に含まれる自由入力フィールドをその場でサニタイズする。
	SanitizeUpdate(update *model.ProfileUpdate)
}

// profileSanitizer はProfileSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerの新しいインスタンスを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はタグを除去し、前後の空白を取り除いたテキストを返す。
func (s *profileSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// SanitizeUpdate は部分更新に含まれる自由入力フィールドをその場でサニタイズする。
// URLフィールドはLinkGuardで検証するためここでは扱わない。
func (s *profileSanitizer) SanitizeUpdate(update *model.ProfileUpdate) {
	for _, field := range []*string{
		update.DisplayName,
		update.FirstName,
		update.LastName,
		update.Category,
		update.Subcategory,
		update.Bio,
		update.Location,
		update.MusicStyle,
		update.Pricing,
		update.ServiceDescription,
	} {
		if field != nil {
			*field = s.SanitizeText(*field)
		}
	}
}

var _ ProfileSanitizer = (*profileSanitizer)(nil)
