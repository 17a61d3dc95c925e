// Package view はページとフラグメントのtemplコンポーネントを提供する。
package view

//go:generate templ generate

import "github.com/hitoshi/emaillink/internal/model"

const (
	// PageTitle はページのタイトル。
	PageTitle = "Firebase Email Passwordless Link Authentication"
	// WelcomeLine はヘッダーに常に表示される見出し。
	WelcomeLine = "Welcome to Firebase Email Passwordless Link Authentication!"
	// PromptLine はメールアドレス確認プロンプトの文言。
	PromptLine = "Please provide your email for confirmation"

	// SessionViewID はSessionに依存する部分をまとめた要素のID。
	SessionViewID = "session-view"
	// SessionHeaderID、SessionDisplayID はWebSocket通知で差し替える要素のID。
	SessionHeaderID  = "session-header"
	SessionDisplayID = "session-display"
	// LoginFormID はログインフォームを包む要素のID。差し替えの対象外で、入力中の値とステータス行を保つ。
	LoginFormID = "login-form"
)

// LoginFormData はログインフォームの表示内容。
type LoginFormData struct {
	Status string // ステータス行（成功メッセージまたはエラー文言）
	Email  string // 入力欄の値
}

// PageData はページ全体の表示内容。
type PageData struct {
	Session    *model.Session
	Form       LoginFormData
	Prompt     bool   // メールアドレス確認プロンプトを表示する
	PromptLink string // プロンプト送信時に引き継ぐサインインリンク
	CSRFToken  string
}

func isLoggedIn(sess *model.Session) bool {
	return sess != nil && sess.IsLoggedIn
}
