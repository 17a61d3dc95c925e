// Package model はドメインモデルを定義する。
package model

// Session はブラウザごとに永続化されるログイン状態を表す。
// JSONとしてストレージのauthuserキーに保存される。
// IsLoggedInがfalseの場合、識別情報（UID, Email, DisplayName, PhotoURL）は持たない。
type Session struct {
	IsLoggedIn  bool   `json:"isLoggedIn"`
	UID         string `json:"uid,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Profile はIDプロバイダーがサインイン完了時に返すユーザープロフィール。
type Profile struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// NewAuthenticatedSession はプロフィールからログイン済みセッションを生成する。
func NewAuthenticatedSession(p Profile) Session {
	return Session{
		IsLoggedIn:  true,
		UID:         p.UID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		PhotoURL:    p.PhotoURL,
	}
}

// Normalize は未ログインのセッションから識別情報を取り除いたコピーを返す。
func (s Session) Normalize() Session {
	if !s.IsLoggedIn {
		return Session{}
	}
	return s
}

// Greeting はヘッダーに表示する名前を返す。表示名がない場合はメールアドレスを使う。
func (s Session) Greeting() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Email
}

// SameSession は2つのセッション（nilは未設定を表す）が同値かどうかを判定する。
func SameSession(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
