// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// BrowserCookieName はブラウザを識別するCookieの名前。
// ブラウザごとのストレージ（Session、サインイン待ちメールアドレス）のキーになる。
const BrowserCookieName = "browser_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// browserIDContextKey はリクエストコンテキストにブラウザIDを格納するためのキー。
var browserIDContextKey = contextKey("browser_id")

// BrowserCookieConfig はブラウザ識別Cookieの設定。
type BrowserCookieConfig struct {
	MaxAge       int // 秒
	CookieDomain string
	CookieSecure bool
}

// NewBrowserMiddleware はHTTP Only Cookieからブラウザを識別するミドルウェアを返す。
// Cookieがない、またはUUIDとして不正な場合は新しいIDを払い出してCookieに設定する。
// ブラウザIDはリクエストコンテキストに注入される。
func NewBrowserMiddleware(config BrowserCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			browserID := ""
			if cookie, err := r.Cookie(BrowserCookieName); err == nil {
				if id, err := uuid.Parse(cookie.Value); err == nil {
					browserID = id.String()
				}
			}

			if browserID == "" {
				browserID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     BrowserCookieName,
					Value:    browserID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
				slog.Debug("issued browser id", slog.String("browser_id", browserID))
			}

			next.ServeHTTP(w, r.WithContext(ContextWithBrowserID(r.Context(), browserID)))
		})
	}
}

// BrowserIDFromContext はリクエストコンテキストからブラウザIDを取得する。
// ブラウザミドルウェアを通過したリクエストでのみ有効。
func BrowserIDFromContext(ctx context.Context) (string, error) {
	browserID, ok := ctx.Value(browserIDContextKey).(string)
	if !ok || browserID == "" {
		return "", fmt.Errorf("browser ID not found in context")
	}
	return browserID, nil
}

// ContextWithBrowserID はコンテキストにブラウザIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithBrowserID(ctx context.Context, browserID string) context.Context {
	return context.WithValue(ctx, browserIDContextKey, browserID)
}
