package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/emaillink/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// sessionMessage はSession変更をクライアントへ通知するメッセージ。
type sessionMessage struct {
	Type    string         `json:"type"`
	Session *model.Session `json:"session"`
}

// WSHandler はSession変更をWebSocketでプッシュするHTTPハンドラー。
type WSHandler struct {
	binders  BinderSource
	upgrader websocket.Upgrader
}

// NewWSHandler はWSHandlerを生成する。
// 接続元のOriginはbaseURLと同じホストのみ許可する。
func NewWSHandler(binders BinderSource, baseURL string) *WSHandler {
	allowedHost := ""
	if u, err := url.Parse(baseURL); err == nil {
		allowedHost = u.Host
	}
	return &WSHandler{
		binders: binders,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, allowedHost) || strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func writeMessage(messageType int, data []byte, conn *websocket.Conn, writeMu *sync.Mutex) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(messageType, data)
}

// Serve はWebSocket接続を確立し、View Binderの変更を送り続ける。
// GET /ws
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	browserID, ok := browserIDOrError(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	binder := h.binders.Binder(r.Context(), browserID)
	updates, cancel := binder.Subscribe()
	defer cancel()

	// 読み取りループ: クライアントの切断とpongを検出する
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived,
				) {
					slog.Warn("websocket read error",
						slog.String("browser_id", browserID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}()

	var writeMu sync.Mutex
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case sess := <-updates:
			payload, err := json.Marshal(sessionMessage{Type: "session", Session: sess})
			if err != nil {
				slog.Error("failed to encode session message", slog.String("error", err.Error()))
				return
			}
			if err := writeMessage(websocket.TextMessage, payload, conn, &writeMu); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeMessage(websocket.PingMessage, nil, conn, &writeMu); err != nil {
				return
			}
		}
	}
}
