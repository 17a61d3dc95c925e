// Package repository はデータ永続化のインターフェースを定義する。
package repository

import "context"

// ストレージキー。ブラウザ版の保存キー名と同一にしている。
const (
	// KeyAuthUser はログイン状態（model.SessionのJSON）を保存するキー。
	KeyAuthUser = "authuser"
	// KeyEmailForSignIn はサインイン完了待ちのメールアドレスを保存するキー。
	KeyEmailForSignIn = "emailForSignIn"
)

// BrowserStorage はブラウザ単位のキー・バリューストレージのインターフェース。
// ブラウザはbrowser_id Cookieで識別される。
// 同一キーへの書き込みは後勝ちで、ロックは行わない。
type BrowserStorage interface {
	// GetItem は指定キーの値を取得する。存在しない場合はok=falseを返す。
	GetItem(ctx context.Context, browserID, key string) (value string, ok bool, err error)

	// SetItem は指定キーに値を保存する。既存の値は上書きされる。
	SetItem(ctx context.Context, browserID, key, value string) error

	// RemoveItem は指定キーを削除する。存在しない場合もエラーにしない。
	RemoveItem(ctx context.Context, browserID, key string) error
}
