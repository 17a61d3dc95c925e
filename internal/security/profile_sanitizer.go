// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はIDプロバイダーから受け取ったプロフィール項目からマークアップを除去する。
// StripTags はフォーム入力からタグ様の部分文字列を取り除く。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/emaillink/internal/model"
)

// ProfileSanitizer はプロフィール項目のサニタイズ機能のインターフェース。
type ProfileSanitizer interface {
	// SanitizeProfile は表示名からHTMLを取り除き、写真URLをhttp(s)の絶対URLに限定する。
	SanitizeProfile(p model.Profile) model.Profile
}

// profileSanitizer はProfileSanitizerの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerの新しいインスタンスを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeProfile はプロフィールをサニタイズしたコピーを返す。
func (s *profileSanitizer) SanitizeProfile(p model.Profile) model.Profile {
	p.DisplayName = s.plainText(p.DisplayName)
	p.Email = strings.TrimSpace(p.Email)
	p.PhotoURL = safePhotoURL(p.PhotoURL)
	return p
}

// plainText は全タグを除去したテキストを返す。
// StrictPolicyはエスケープ済みの文字列を返すため、描画時の二重エスケープを避けて元に戻す。
func (s *profileSanitizer) plainText(v string) string {
	if v == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(v)))
}

// safePhotoURL はhttpまたはhttpsの絶対URLのみを通す。それ以外は空文字列を返す。
func safePhotoURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	default:
		return ""
	}
}
