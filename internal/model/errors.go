package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmailRequired   = "EMAIL_REQUIRED"
	ErrCodeInvalidEmail    = "INVALID_EMAIL"
	ErrCodeLinkSendFailed  = "LINK_SEND_FAILED"
	ErrCodeSignInFailed    = "SIGN_IN_FAILED"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeBrowserNotBound = "BROWSER_NOT_BOUND"
)

// NewEmailRequiredError はメールアドレス未入力エラーを生成する。
func NewEmailRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailRequired,
		Message:  "Please type your email, this field is required!",
		Category: "validation",
		Action:   "メールアドレスを入力してください。",
	}
}

// NewInvalidEmailError はメールアドレス形式エラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "This email is not a legal email.",
		Category: "validation",
		Action:   "正しい形式のメールアドレスを入力してください。",
	}
}

// NewLinkSendFailedError はサインインリンク送信失敗エラーを生成する。
// messageにはIDプロバイダーのエラーメッセージをそのまま渡す。
func NewLinkSendFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeLinkSendFailed,
		Message:  "Error: " + message,
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSignInFailedError はサインイン完了失敗エラーを生成する。
func NewSignInFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeSignInFailed,
		Message:  "Error: " + message,
		Category: "provider",
		Action:   "リンクの有効期限を確認し、必要であれば再度リンクを送信してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewBrowserNotBoundError はブラウザ識別Cookieがないリクエストのエラーを生成する。
func NewBrowserNotBoundError() *APIError {
	return &APIError{
		Code:     ErrCodeBrowserNotBound,
		Message:  "browser is not identified",
		Category: "system",
		Action:   "Cookieを有効にしてページを再読み込みしてください。",
	}
}
