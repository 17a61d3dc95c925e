package auth

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"

	"github.com/hitoshi/emaillink/internal/model"
	"github.com/hitoshi/emaillink/internal/security"
)

// メールアドレスの長さ制限（RFC 5321）
const (
	maxEmailLength       = 254
	maxLocalPartLength   = 64
	maxDomainLabelLength = 63
)

var emailValidator = validator.New()

// ValidationError は入力検証エラーを表す。プロバイダーへの通信前に検出される。
type ValidationError struct {
	*model.APIError
}

// SanitizeEmailInput はフォーム入力からマークアップを除去する。
func SanitizeEmailInput(raw string) string {
	return strings.TrimSpace(security.StripTags(raw))
}

// ValidateEmail はメールアドレスを検証し、問題なければそのまま返す。
// 空の場合と構文的に不正な場合は*ValidationErrorを返す。
func ValidateEmail(input string) (string, error) {
	if input == "" {
		return "", &ValidationError{model.NewEmailRequiredError()}
	}
	if !isLegalEmail(input) {
		return "", &ValidationError{model.NewInvalidEmailError()}
	}
	return input, nil
}

// isLegalEmail はメールアドレスの構文と長さを検証する。
// 国際化ドメインはPunycodeに変換してから検証する。
func isLegalEmail(email string) bool {
	if len(email) > maxEmailLength {
		return false
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > maxLocalPartLength {
		return false
	}

	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return false
	}
	labels := strings.Split(asciiDomain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > maxDomainLabelLength {
			return false
		}
	}

	return emailValidator.Var(local+"@"+asciiDomain, "required,email") == nil
}

// RecipientKey はフォーム入力を送信先単位のレート制限キーに正規化する。
// 大文字小文字とドメインの表記揺れ（国際化ドメイン）を同一視する。
func RecipientKey(raw string) string {
	email := strings.ToLower(SanitizeEmailInput(raw))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return email
	}
	if asciiDomain, err := idna.Lookup.ToASCII(email[at+1:]); err == nil {
		return email[:at+1] + asciiDomain
	}
	return email
}
