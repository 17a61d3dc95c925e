// Package viewstate はブラウザごとの現在のSessionを画面コンポーネントへ配信する。
//
// 書き込み経路はAction（SetSessionのみ）を適用するReduceの1つだけで、
// 読み取り側（ヘッダー、プロフィール表示、WebSocket購読者）は複数存在する。
package viewstate

import (
	"fmt"

	"github.com/hitoshi/emaillink/internal/model"
)

// Action はBinderに適用できる操作。
// 実装はこのパッケージ内のSetSessionのみで、他の種類は外部から構築できない。
type Action interface {
	isAction()
}

// SetSession は現在のSessionを指定値（nilは未設定）で置き換えるAction。
type SetSession struct {
	Session *model.Session
}

func (SetSession) isAction() {}

// Reduce は現在の値にActionを適用した新しい値を返す。
// 未知のActionは統合時のプログラミングミスなのでpanicする。
func Reduce(current *model.Session, action Action) *model.Session {
	switch a := action.(type) {
	case SetSession:
		return cloneSession(a.Session)
	default:
		panic(fmt.Sprintf("viewstate: unknown action: %T", action))
	}
}

func cloneSession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	c := s.Normalize()
	return &c
}
