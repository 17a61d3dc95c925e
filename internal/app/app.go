package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/hitoshi/emaillink/internal/auth"
	"github.com/hitoshi/emaillink/internal/config"
	"github.com/hitoshi/emaillink/internal/database"
	"github.com/hitoshi/emaillink/internal/handler"
	"github.com/hitoshi/emaillink/internal/logger"
	"github.com/hitoshi/emaillink/internal/metrics"
	"github.com/hitoshi/emaillink/internal/middleware"
	"github.com/hitoshi/emaillink/internal/repository"
	"github.com/hitoshi/emaillink/internal/security"
	"github.com/hitoshi/emaillink/internal/session"
	"github.com/hitoshi/emaillink/internal/viewstate"
	"github.com/hitoshi/emaillink/internal/worker/cleanup"
)

// errPostgresRequired はPostgreSQLが必要なコマンドをインメモリストレージで起動した場合のエラー。
var errPostgresRequired = errors.New("this command requires STORAGE_DRIVER=postgres")

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込んでログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		Usage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("storage_driver", cfg.StorageDriver),
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// server はserveモードで組み立てた依存関係一式。
type server struct {
	handler     http.Handler
	hub         *viewstate.Hub
	rateLimiter *middleware.RateLimiter
	db          *sql.DB // インメモリストレージの場合はnil
}

// Close はserverが保持するリソースを解放する。
func (s *server) Close() error {
	s.rateLimiter.Stop()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// openStorage は設定に応じてブラウザストレージを開く。
// PostgreSQLの場合は接続確認まで行い、*sql.DBも返す。
func openStorage(ctx context.Context, cfg *config.Config) (repository.BrowserStorage, *sql.DB, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Warn("using in-memory browser storage; sessions are lost on restart")
		return repository.NewMemoryBrowserStorageRepo(), nil, nil
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgresBrowserStorageRepo(db), db, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newRegistry はプロセスとGoランタイムのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildServer はserveモードの全依存関係をワイヤリングする。
func buildServer(ctx context.Context, cfg *config.Config) (*server, error) {
	// 1. ストレージ
	storage, db, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 2. メトリクス
	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	// 3. Session StoreとView Binder
	store := session.NewStore(storage, slog.Default())
	hub := viewstate.NewHub(store, viewstate.HubConfig{PollInterval: cfg.PollInterval}, slog.Default(), collector)

	// 4. IDプロバイダーと認証フロー
	provider := auth.NewFirebaseEmailLinkProvider(auth.FirebaseConfig{
		APIKey:     cfg.FirebaseAPIKey,
		Endpoint:   cfg.IdentityEndpoint,
		HTTPClient: &http.Client{Timeout: cfg.IdentityTimeout},
	})
	authService := auth.NewService(provider, store, hub, security.NewProfileSanitizer(), collector, slog.Default())

	// 5. ルーターの構築
	// configのレート制限はreq/min単位で、NewRateLimiterConfigがreq/secに変換する
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLinkRequest))

	deps := &handler.RouterDeps{
		Logger: slog.Default(),
		BrowserCookie: middleware.BrowserCookieConfig{
			MaxAge:       int(cfg.BrowserCookieMaxAge / time.Second),
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,

		AuthService: authService,
		AuthConfig:  handler.AuthHandlerConfig{BaseURL: cfg.BaseURL},

		Binders: hub,

		MetricsHandler: metrics.Handler(registry),
	}
	if db != nil {
		deps.HealthChecker = db
	}

	return &server{
		handler:     handler.NewRouter(deps),
		hub:         hub,
		rateLimiter: rateLimiter,
		db:          db,
	}, nil
}

// runServe はWebサーバーモードで起動する。
// 全依存関係をワイヤリングし、View Binderのポーリングを開始してHTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINTまたはSIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go srv.hub.Run(hubCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, httpServer, "web server")
}

// serveUntilDone はHTTPサーバーを起動し、ctxがキャンセルされるとシャットダウンする。
func serveUntilDone(ctx context.Context, httpServer *http.Server, name string) error {
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ブラウザストレージのクリーンアップをcronスケジュールで実行し、
// WORKER_METRICS_PORTでメトリクスを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StorageDriver != config.StorageDriverPostgres {
		return fmt.Errorf("worker: %w", errPostgresRequired)
	}

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクス
	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	// 3. クリーンアップジョブの登録
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), cfg.StorageRetentionDays, collector)

	scheduler := cron.New()
	if _, err := cleanupJob.Schedule(ctx, scheduler, cfg.CleanupSchedule); err != nil {
		return err
	}

	slog.Info("worker starting",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
		slog.Int("retention_days", cfg.StorageRetentionDays),
	)

	// 起動直後に1回実行
	if err := cleanupJob.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	scheduler.Start()
	defer func() {
		// 実行中のジョブの完了を待つ
		<-scheduler.Stop().Done()
		slog.Info("worker stopped gracefully")
	}()

	metricsServer := &http.Server{
		Addr:         ":" + cfg.WorkerMetricsPort,
		Handler:      metrics.SetupMetricsRoute(registry),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return serveUntilDone(ctx, metricsServer, "worker metrics server")
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver != config.StorageDriverPostgres {
		return fmt.Errorf("migrate: %w", errPostgresRequired)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
