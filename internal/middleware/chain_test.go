package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

// newTestChain はサーバーと同じ順序でミドルウェアを組み立てる。
func newTestChain(t *testing.T, logs *bytes.Buffer) http.Handler {
	t.Helper()
	rl := NewRateLimiter(testRateLimiterConfig(100, 1))
	t.Cleanup(rl.Stop)

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(nil))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewBrowserMiddleware(BrowserCookieConfig{MaxAge: 3600}))
	r.Use(NewLoggingMiddleware(slog.New(slog.NewJSONHandler(logs, nil))))
	r.Use(rl.GeneralMiddleware())
	r.Use(NewCSRFMiddleware(CSRFConfig{}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(CSRFTokenFromContext(r.Context())))
	})
	r.With(rl.LinkRequestMiddleware(nil)).Post("/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	return r
}

// TestMiddlewareChain_GET_IssuesCookies は
// 初回GETでブラウザIDとCSRFトークンのCookieが払い出されることを検証する。
func TestMiddlewareChain_GET_IssuesCookies(t *testing.T) {
	var logs bytes.Buffer
	handler := newTestChain(t, &logs)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	names := map[string]string{}
	for _, c := range w.Result().Cookies() {
		names[c.Name] = c.Value
	}
	if names[BrowserCookieName] == "" {
		t.Error("browser_id cookie should be issued")
	}
	if names["csrf_token"] == "" || names["csrf_token"] != w.Body.String() {
		t.Error("csrf token should be issued and exposed to the handler")
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("security headers should be set")
	}
	if !strings.Contains(logs.String(), names[BrowserCookieName]) {
		t.Error("request log should contain browser_id")
	}
}

// TestMiddlewareChain_POST_WithCookies_Passes は
// CookieとフォームトークンがそろったPOSTが通過することを検証する。
func TestMiddlewareChain_POST_WithCookies_Passes(t *testing.T) {
	var logs bytes.Buffer
	handler := newTestChain(t, &logs)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("csrf_token=tok&email=a%40b.co"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: "6f1c3a52-9a43-4d8e-a0f4-2f61b3a6c1d0"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	// リンク送信の制限（1回）を超えると429
	req2 := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("csrf_token=tok&email=a%40b.co"))
	req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req2.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: "6f1c3a52-9a43-4d8e-a0f4-2f61b3a6c1d0"})
	req2.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok"})
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w2.Code)
	}
}

// TestMiddlewareChain_Panic_Returns500 は
// ハンドラーのpanicが500レスポンスに変換されることを検証する。
func TestMiddlewareChain_Panic_Returns500(t *testing.T) {
	var logs bytes.Buffer
	handler := newTestChain(t, &logs)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// TestCORSMiddleware は許可オリジンの付与とプリフライト応答を検証する。
func TestCORSMiddleware(t *testing.T) {
	handler := NewCORSMiddleware("https://app.example.com")(okHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/session", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "X-CSRF-Token") {
		t.Error("X-CSRF-Token should be an allowed header")
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", w.Code)
	}
}

// TestCORSMiddleware_EmptyOrigin_NoHeaders はオリジン未設定時にヘッダーを付与しないことを検証する。
func TestCORSMiddleware_EmptyOrigin_NoHeaders(t *testing.T) {
	handler := NewCORSMiddleware("")(okHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/session", nil))

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("no CORS headers expected")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want pass-through 200", w.Code)
	}
}
