package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/emaillink/internal/model"
)

// RecipientFunc はリクエストから送信先メールアドレスの正規化済みキーを取り出す。
// 空文字を返した場合は送信先単位の制限を行わない。
type RecipientFunc func(r *http.Request) string

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate      rate.Limit    // 全リクエストのレート（req/sec、クライアント単位）
	GeneralBurst     int           // 全リクエストのバーストサイズ
	LinkRequestRate  rate.Limit    // サインインリンク送信のレート（req/sec、クライアント単位と送信先単位）
	LinkRequestBurst int           // サインインリンク送信のバーストサイズ
	CleanupInterval  time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 全リクエスト 120 req/min/client、リンク送信 5 req/min/client かつ 5 req/min/recipient
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 5)
}

// NewRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// 0以下の値はデフォルト値に置き換える。
func NewRateLimiterConfig(generalPerMin, linkRequestPerMin int) RateLimiterConfig {
	if generalPerMin <= 0 {
		generalPerMin = 120
	}
	if linkRequestPerMin <= 0 {
		linkRequestPerMin = 5
	}
	return RateLimiterConfig{
		GeneralRate:      rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:     generalPerMin,
		LinkRequestRate:  rate.Limit(float64(linkRequestPerMin) / 60.0),
		LinkRequestBurst: linkRequestPerMin,
		CleanupInterval:  5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同じレート設定を共有するリミッターの集合。
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*keyedLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
	}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kl, ok := s.limiters[key]; ok {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	kl := &keyedLimiter{
		limiter:    rate.NewLimiter(s.limit, s.burst),
		lastAccess: time.Now(),
	}
	s.limiters[key] = kl
	return kl.limiter
}

// expire はttlより長くアクセスのないエントリを削除する。
func (s *limiterSet) expire(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimiter はクライアントアドレスと送信先ごとのレート制限を管理する。
// Cookieなしのリクエストには毎回新しいbrowser_idが払い出されるので、browser_idはキーにしない。
type RateLimiter struct {
	config RateLimiterConfig

	general         *limiterSet
	linkByClient    *limiterSet
	linkByRecipient *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		general:         newLimiterSet(config.GeneralRate, config.GeneralBurst),
		linkByClient:    newLimiterSet(config.LinkRequestRate, config.LinkRequestBurst),
		linkByRecipient: newLimiterSet(config.LinkRequestRate, config.LinkRequestBurst),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は全リクエストのレート制限ミドルウェアを返す。
// クライアントアドレス単位で制限する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientAddress(r)
			if !rl.general.get(client).Allow() {
				rejectRateLimited(w, rl.general, "general", client)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LinkRequestMiddleware はサインインリンク送信専用のレート制限ミドルウェアを返す。
// クライアントアドレス単位と送信先メールアドレス単位の両方で制限し、
// どちらかを超えた時点で429を返す。recipientがnilの場合は送信先単位の制限を行わない。
func (rl *RateLimiter) LinkRequestMiddleware(recipient RecipientFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientAddress(r)
			if !rl.linkByClient.get(client).Allow() {
				rejectRateLimited(w, rl.linkByClient, "link_request", client)
				return
			}
			if recipient != nil {
				if to := recipient(r); to != "" && !rl.linkByRecipient.get(to).Allow() {
					rejectRateLimited(w, rl.linkByRecipient, "link_request_recipient", client)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientAddress はリクエスト元のアドレスからポートを除いた値を返す。
// chiのRealIPミドルウェアを前段に置くと、プロキシ経由でも元のクライアントになる。
func ClientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rejectRateLimited(w http.ResponseWriter, set *limiterSet, limitType, client string) {
	writeRateLimitResponse(w, set.limit)
	slog.Warn("rate limit exceeded",
		slog.String("client", client),
		slog.String("limit_type", limitType),
	)
}

// GeneralLimiterCount は現在管理されている全リクエスト用リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// LinkRequestLimiterCount は現在管理されているリンク送信用リミッター（クライアント単位）のエントリ数を返す。
func (rl *RateLimiter) LinkRequestLimiterCount() int {
	return rl.linkByClient.len()
}

// RecipientLimiterCount は現在管理されている送信先単位リミッターのエントリ数を返す。
func (rl *RateLimiter) RecipientLimiterCount() int {
	return rl.linkByRecipient.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.expire(now, ttl)
	rl.linkByClient.expire(now, ttl)
	rl.linkByRecipient.expire(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
