package viewstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/emaillink/internal/model"
)

const (
	// DefaultPollInterval はSession Storeを再読込する間隔。
	// 別タブでのサインアウトはこの間隔以内に他のタブへ反映される。
	DefaultPollInterval = 1 * time.Second
	// DefaultIdleTTL は購読者のいないBinderを破棄するまでの時間。
	DefaultIdleTTL = 10 * time.Minute
)

// SessionReader はSession Storeの読み取りインターフェース。
// session.Storeの部分集合として定義する。
type SessionReader interface {
	Read(ctx context.Context, browserID string) *model.Session
}

// SubscriberGauge は購読者数を記録するメトリクスのインターフェース。
type SubscriberGauge interface {
	SetActiveSubscribers(n int)
}

// HubConfig はHubの設定。
type HubConfig struct {
	PollInterval time.Duration
	IdleTTL      time.Duration
}

// Hub はブラウザごとのBinderを管理し、定期ポーリングでSession Storeとの整合を保つ。
// アプリケーション状態のハンドルとしてハンドラーやサービスに明示的に渡して使う。
type Hub struct {
	store  SessionReader
	config HubConfig
	logger *slog.Logger
	gauge  SubscriberGauge

	mu      sync.Mutex
	binders map[string]*Binder
}

// NewHub はHubを生成する。gaugeはnilでもよい。
func NewHub(store SessionReader, config HubConfig, logger *slog.Logger, gauge SubscriberGauge) *Hub {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultIdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:   store,
		config:  config,
		logger:  logger,
		gauge:   gauge,
		binders: make(map[string]*Binder),
	}
}

// Binder は指定ブラウザのBinderを返す。
// 呼び出しごとにSession Storeを読み直し、変化があれば購読者へ配信する。
func (h *Hub) Binder(ctx context.Context, browserID string) *Binder {
	b := h.binder(browserID)
	b.Dispatch(SetSession{Session: h.store.Read(ctx, browserID)})
	return b
}

// Dispatch は指定ブラウザのBinderにActionを適用する。
func (h *Hub) Dispatch(browserID string, action Action) {
	if h.binder(browserID).Dispatch(action) {
		h.logger.Debug("session view updated", slog.String("browser_id", browserID))
	}
}

// binder は既存のBinderを返すか、Session Storeの値で初期化した新しいBinderを作る。
func (h *Hub) binder(browserID string) *Binder {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.binders[browserID]; ok {
		return b
	}
	b := newBinder(browserID, h.store.Read(context.Background(), browserID))
	h.binders[browserID] = b
	return b
}

// Run はPollIntervalごとにPollを実行する。ctxがキャンセルされると戻る。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.PollInterval)
	defer ticker.Stop()

	h.logger.Info("session view poller started",
		slog.Duration("interval", h.config.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("session view poller stopped")
			return
		case <-ticker.C:
			h.Poll(ctx)
		}
	}
}

// Poll は購読者のいるBinderについてSession Storeを読み直し、変化を配信する。
// 購読者がいないままIdleTTLを過ぎたBinderは破棄する。
func (h *Hub) Poll(ctx context.Context) {
	now := time.Now()

	h.mu.Lock()
	active := make([]*Binder, 0, len(h.binders))
	for id, b := range h.binders {
		since, idle := b.idleSince()
		if !idle {
			active = append(active, b)
			continue
		}
		if now.Sub(since) > h.config.IdleTTL {
			delete(h.binders, id)
		}
	}
	h.mu.Unlock()

	subscribers := 0
	for _, b := range active {
		if ctx.Err() != nil {
			return
		}
		b.Dispatch(SetSession{Session: h.store.Read(ctx, b.BrowserID())})
		subscribers += b.SubscriberCount()
	}

	if h.gauge != nil {
		h.gauge.SetActiveSubscribers(subscribers)
	}
}

// Len は管理中のBinder数を返す。テスト用。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.binders)
}
