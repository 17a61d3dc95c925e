package security

import (
	"regexp"
	"strings"
)

// tagPattern は開始・終了タグ様の部分文字列にマッチする。
var tagPattern = regexp.MustCompile(`</?[^>]*>`)

// StripTags はフォーム入力からタグ様の部分文字列を除去する。
// タグとして閉じていない '<' や '>' も取り除くため、結果にタグ区切り文字は残らない。
func StripTags(v string) string {
	v = tagPattern.ReplaceAllString(v, "")
	return strings.NewReplacer("<", "", ">", "").Replace(v)
}
