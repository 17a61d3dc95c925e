// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-h/templ"

	"github.com/hitoshi/emaillink/internal/auth"
	"github.com/hitoshi/emaillink/internal/middleware"
	"github.com/hitoshi/emaillink/internal/model"
	"github.com/hitoshi/emaillink/internal/view"
	"github.com/hitoshi/emaillink/internal/viewstate"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	RequestSignInLink(ctx context.Context, browserID, rawEmail, pageURL string) auth.Outcome
	DetectReturnLink(pageURL string) bool
	CompleteSignIn(ctx context.Context, browserID, pageURL string, prompt auth.PromptAnswer) auth.Outcome
	SignOut(ctx context.Context, browserID string) error
}

// BinderSource はブラウザごとのView Binderを提供する。
type BinderSource interface {
	Binder(ctx context.Context, browserID string) *viewstate.Binder
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL string // ページの公開URL（サインインリンクの戻り先）
}

// AuthHandler はページ描画とメールリンク認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	binders BinderSource
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, binders BinderSource, config AuthHandlerConfig) *AuthHandler {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &AuthHandler{
		service: service,
		binders: binders,
		config:  config,
	}
}

// Page はページを描画する。
// GET /
// URLがサインインリンクの場合は先にサインイン完了処理を行う。
func (h *AuthHandler) Page(w http.ResponseWriter, r *http.Request) {
	browserID, ok := browserIDOrError(w, r)
	if !ok {
		return
	}

	pageURL := h.requestURL(r)
	if h.service.DetectReturnLink(pageURL) {
		out := h.service.CompleteSignIn(r.Context(), browserID, pageURL, auth.PromptAnswer{})
		h.renderOutcome(w, r, browserID, pageURL, out)
		return
	}

	h.renderPage(w, r, http.StatusOK, view.PageData{
		Session: h.binders.Binder(r.Context(), browserID).Current(),
	})
}

// LinkRecipient はPOST /loginの送信先レート制限キーを返す。
// action=resetはメールを送らないため対象外とする。
func LinkRecipient(r *http.Request) string {
	if r.PostFormValue("action") == "reset" {
		return ""
	}
	return auth.RecipientKey(r.PostFormValue("email"))
}

// Login はサインインリンクの送信を要求する。
// POST /login
// action=resetの場合はフォームを空にして描画し直す。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	browserID, ok := browserIDOrError(w, r)
	if !ok {
		return
	}

	if r.PostFormValue("action") == "reset" {
		http.Redirect(w, r, h.homeURL(), http.StatusSeeOther)
		return
	}

	out := h.service.RequestSignInLink(r.Context(), browserID, r.PostFormValue("email"), h.homeURL())

	status := http.StatusOK
	switch {
	case out.State == auth.StateError:
		status = http.StatusBadGateway
	case out.State == auth.StateAnonymous && out.Status != "":
		status = http.StatusBadRequest
	}

	h.renderPage(w, r, status, view.PageData{
		Session: h.binders.Binder(r.Context(), browserID).Current(),
		Form:    view.LoginFormData{Status: out.Status, Email: out.Email},
	})
}

// Confirm はメールアドレス確認プロンプトへの回答でサインインを完了する。
// POST /confirm
func (h *AuthHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	browserID, ok := browserIDOrError(w, r)
	if !ok {
		return
	}

	link := r.PostFormValue("link")
	if !h.isOwnLink(link) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewSignInFailedError("invalid sign-in link"))
		return
	}

	answer := auth.PromptAnswer{
		Asked:     true,
		Cancelled: r.PostFormValue("action") == "cancel",
		Email:     r.PostFormValue("email"),
	}
	out := h.service.CompleteSignIn(r.Context(), browserID, link, answer)
	h.renderOutcome(w, r, browserID, link, out)
}

// Logout はSessionを破棄してページへ戻る。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	browserID, ok := browserIDOrError(w, r)
	if !ok {
		return
	}

	if err := h.service.SignOut(r.Context(), browserID); err != nil {
		slog.Error("failed to sign out",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, h.homeURL(), http.StatusSeeOther)
}

// renderOutcome はサインイン完了処理の結果に応じてリダイレクトまたは描画を行う。
func (h *AuthHandler) renderOutcome(w http.ResponseWriter, r *http.Request, browserID, link string, out auth.Outcome) {
	if out.RedirectTo != "" {
		http.Redirect(w, r, out.RedirectTo, http.StatusSeeOther)
		return
	}

	status := http.StatusOK
	if out.State == auth.StateError {
		status = http.StatusBadGateway
	}

	h.renderPage(w, r, status, view.PageData{
		Session:    h.binders.Binder(r.Context(), browserID).Current(),
		Form:       view.LoginFormData{Status: out.Status},
		Prompt:     out.NeedsEmail,
		PromptLink: link,
	})
}

// renderPage はページを描画する。CSRFトークンはミドルウェアが注入したものを使う。
func (h *AuthHandler) renderPage(w http.ResponseWriter, r *http.Request, status int, data view.PageData) {
	data.CSRFToken = middleware.CSRFTokenFromContext(r.Context())
	writeComponent(w, r, status, view.Page(data))
}

// requestURL はリクエストのURLを公開URL基準の絶対URLに組み立てる。
func (h *AuthHandler) requestURL(r *http.Request) string {
	return h.config.BaseURL + r.URL.RequestURI()
}

// homeURL はクエリを含まないページURLを返す。
func (h *AuthHandler) homeURL() string {
	return h.config.BaseURL + "/"
}

// isOwnLink はリンクがこのページ宛てのサインインリンクかどうかを判定する。
func (h *AuthHandler) isOwnLink(link string) bool {
	return strings.HasPrefix(link, h.homeURL()) && h.service.DetectReturnLink(link)
}

// browserIDOrError はコンテキストからブラウザIDを取り出す。ない場合は400を書き込む。
func browserIDOrError(w http.ResponseWriter, r *http.Request) (string, bool) {
	browserID, err := middleware.BrowserIDFromContext(r.Context())
	if err != nil {
		apiErr := model.NewBrowserNotBoundError()
		middleware.WriteErrorResponse(w, middleware.StatusForAPIError(apiErr), apiErr)
		return "", false
	}
	return browserID, true
}

// writeComponent はtempl.Handlerでコンポーネントを描画する。
// templ.Handlerはバッファに描画してから書き込むため、描画に失敗した場合は500だけが返る。
func writeComponent(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	templ.Handler(c,
		templ.WithStatus(status),
		templ.WithErrorHandler(renderErrorHandler),
	).ServeHTTP(w, r)
}

func renderErrorHandler(r *http.Request, err error) http.Handler {
	slog.Error("failed to render view",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteInternalServerError(w)
	})
}
