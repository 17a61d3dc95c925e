package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/emaillink/internal/middleware"
	"github.com/hitoshi/emaillink/internal/view"
)

// SessionHandler は現在のSessionを返すHTTPハンドラー。
type SessionHandler struct {
	binders BinderSource
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(binders BinderSource) *SessionHandler {
	return &SessionHandler{binders: binders}
}

// Fragment はHeader、LoginForm、Displayのフラグメントを描画する。
// ページ側はHeaderとDisplayだけを差し替え、表示中のLoginFormはそのまま残す。
// GET /fragments/session
func (h *SessionHandler) Fragment(w http.ResponseWriter, r *http.Request) {
	browserID, ok := browserIDOrError(w, r)
	if !ok {
		return
	}

	sess := h.binders.Binder(r.Context(), browserID).Current()
	csrfToken := middleware.CSRFTokenFromContext(r.Context())
	writeComponent(w, r, http.StatusOK, view.SessionView(sess, view.LoginFormData{}, csrfToken))
}

// Current は現在のSessionをJSONで返す。未ログインの場合はnullを返す。
// GET /api/session
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	browserID, ok := browserIDOrError(w, r)
	if !ok {
		return
	}

	sess := h.binders.Binder(r.Context(), browserID).Current()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}
