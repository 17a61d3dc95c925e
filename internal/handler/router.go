package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/emaillink/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	BrowserCookie     middleware.BrowserCookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder // nilの場合はHTTPステータスを記録しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// View Binder
	Binders BinderSource

	// 運用
	HealthChecker  HealthChecker // nilの場合は常にok
	MetricsHandler http.Handler  // nilの場合は/metricsを公開しない
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → SecurityHeaders → Metrics → Browser → Logging → CORS → RateLimit(General) → CSRF
//
// レート制限はクライアントアドレス単位で、POST /login は送信先メールアドレス単位の制限も受ける。
// /health と /metrics はミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Binders, deps.AuthConfig)
	sessionHandler := NewSessionHandler(deps.Binders)
	wsHandler := NewWSHandler(deps.Binders, deps.AuthConfig.BaseURL)

	// --- ブラウザ単位のルート ---
	r.Group(func(r chi.Router) {
		r.Use(chimw.RealIP)
		r.Use(middleware.NewRecoveryMiddleware(logger))
		r.Use(middleware.NewSecurityHeadersMiddleware())
		if deps.StatusRecorder != nil {
			r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
		}
		r.Use(middleware.NewBrowserMiddleware(deps.BrowserCookie))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// ページ
		r.Get("/", authHandler.Page)
		// POST /login - サインインリンク送信（送信専用レート制限を追加）
		r.With(deps.RateLimiter.LinkRequestMiddleware(LinkRecipient)).Post("/login", authHandler.Login)
		r.Post("/confirm", authHandler.Confirm)
		r.Post("/logout", authHandler.Logout)

		// Session状態
		r.Get("/fragments/session", sessionHandler.Fragment)
		r.Get("/api/session", sessionHandler.Current)
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
		r.Get("/ws", wsHandler.Serve)
	})

	return r
}
