// Package auth はメールリンクによるパスワードレス認証フローを提供する。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/emaillink/internal/model"
	"github.com/hitoshi/emaillink/internal/viewstate"
)

// SuccessRemark はサインインリンク送信成功時にステータス行へ表示するメッセージ。
const SuccessRemark = "Please go to your mail box, click the sign in link in the email sent to you."

// consumedLinkTTL は完了済みリンクを記憶しておく期間。
const consumedLinkTTL = time.Hour

// State は認証フローの状態を表す。
type State string

const (
	StateAnonymous          State = "anonymous"
	StateLinkRequested      State = "link_requested"
	StateAwaitingCompletion State = "awaiting_completion"
	StateAuthenticated      State = "authenticated"
	StateError              State = "error"
)

// ActionCodeSettings はサインインリンクの生成設定。
type ActionCodeSettings struct {
	URL             string // リンクの戻り先URL
	HandleCodeInApp bool   // アプリ内で完了処理を行うか
}

// EmailLinkProvider はメールリンク認証を行う外部IDプロバイダーのインターフェース。
type EmailLinkProvider interface {
	// SendSignInLink は指定メールアドレスにサインインリンクを送信する。
	SendSignInLink(ctx context.Context, email string, settings ActionCodeSettings) error
	// IsSignInWithEmailLink はリンクがプロバイダー発行のサインインリンクかどうかを判定する。
	IsSignInWithEmailLink(link string) bool
	// SignInWithEmailLink はサインインを完了し、プロフィールを返す。
	SignInWithEmailLink(ctx context.Context, email, link string) (*model.Profile, error)
}

// SessionStore はSession Storeのうち認証フローが必要とする操作。
// session.Storeの部分集合として定義する。
type SessionStore interface {
	Write(ctx context.Context, browserID string, sess model.Session) error
	Clear(ctx context.Context, browserID string) error
	PendingEmail(ctx context.Context, browserID string) string
	SetPendingEmail(ctx context.Context, browserID, email string) error
	ClearPendingEmail(ctx context.Context, browserID string) error
}

// Dispatcher はView BinderへActionを届けるインターフェース。
type Dispatcher interface {
	Dispatch(browserID string, action viewstate.Action)
}

// ProfileSanitizer はプロバイダーから受け取ったプロフィールを無害化する。
type ProfileSanitizer interface {
	SanitizeProfile(p model.Profile) model.Profile
}

// MetricsCollector は認証フローのメトリクスを記録するインターフェース。
type MetricsCollector interface {
	RecordLinkRequest(result string)
	RecordSignInCompletion(result string)
	RecordValidationFailure(code string)
	RecordProviderLatency(operation string, d time.Duration)
}

// PromptAnswer はメールアドレス確認プロンプトへの回答を表す。
type PromptAnswer struct {
	Asked     bool   // プロンプトを表示済みか
	Cancelled bool   // キャンセルされたか
	Email     string // 入力されたメールアドレス
}

// Outcome は認証フローの各操作の結果。画面描画に必要な情報を持つ。
type Outcome struct {
	State      State
	Status     string         // ステータス行（成功メッセージまたはエラー文言）
	Email      string         // フォームに再表示する入力値
	NeedsEmail bool           // メールアドレス確認プロンプトを表示する
	RedirectTo string         // 遷移先（ワンタイムリンクのクエリを除去したURL）
	Session    *model.Session // サインイン完了時のSession
}

// Service はメールリンク認証フローのビジネスロジックを提供する。
type Service struct {
	provider   EmailLinkProvider
	store      SessionStore
	dispatcher Dispatcher
	sanitizer  ProfileSanitizer
	metrics    MetricsCollector
	logger     *slog.Logger

	inflight singleflight.Group

	mu       sync.Mutex
	consumed map[string]time.Time
}

// NewService はServiceを生成する。metricsとloggerはnilでもよい。
func NewService(
	provider EmailLinkProvider,
	store SessionStore,
	dispatcher Dispatcher,
	sanitizer ProfileSanitizer,
	metrics MetricsCollector,
	logger *slog.Logger,
) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider:   provider,
		store:      store,
		dispatcher: dispatcher,
		sanitizer:  sanitizer,
		metrics:    metrics,
		logger:     logger,
		consumed:   make(map[string]time.Time),
	}
}

// RequestSignInLink はメールアドレスを検証し、サインインリンクを送信する。
// 成功時はサインイン待ちメールアドレスを保存し、SuccessRemarkをステータスに設定する。
// 失敗時は"Error: "にプロバイダーのメッセージを続けた文言を返し、何も保存しない。
// 送信と保存はリクエストのキャンセルを引き継がず、完了か失敗まで実行される。
func (s *Service) RequestSignInLink(ctx context.Context, browserID, rawEmail, pageURL string) Outcome {
	email := SanitizeEmailInput(rawEmail)

	if _, err := ValidateEmail(email); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.metrics.RecordValidationFailure(verr.Code)
			return Outcome{State: StateAnonymous, Status: verr.Message, Email: email}
		}
		return Outcome{State: StateAnonymous, Status: err.Error(), Email: email}
	}

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	err := s.provider.SendSignInLink(ctx, email, ActionCodeSettings{
		URL:             pageURL,
		HandleCodeInApp: true,
	})
	s.metrics.RecordProviderLatency("send_sign_in_link", time.Since(start))
	if err != nil {
		s.metrics.RecordLinkRequest("failure")
		s.logger.Warn("failed to send sign-in link",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return Outcome{
			State:  StateError,
			Status: model.NewLinkSendFailedError(providerMessage(err)).Message,
			Email:  email,
		}
	}

	if err := s.store.SetPendingEmail(ctx, browserID, email); err != nil {
		s.metrics.RecordLinkRequest("failure")
		s.logger.Error("failed to persist pending email",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return Outcome{
			State:  StateError,
			Status: model.NewLinkSendFailedError(err.Error()).Message,
			Email:  email,
		}
	}

	s.metrics.RecordLinkRequest("success")
	s.logger.Info("sign-in link sent", slog.String("browser_id", browserID))

	return Outcome{State: StateLinkRequested, Status: SuccessRemark, Email: email}
}

// DetectReturnLink はページURLがプロバイダー発行のサインインリンクかどうかを判定する。
// 何度呼び出しても副作用はない。
func (s *Service) DetectReturnLink(pageURL string) bool {
	return s.provider.IsSignInWithEmailLink(pageURL)
}

// CompleteSignIn はサインインリンクで戻ってきたブラウザの認証を完了する。
//
// メールアドレスはサインイン待ちレコードから取得し、なければプロンプトの回答を使う。
// プロンプト未表示ならNeedsEmailを返し、キャンセルまたは空回答なら何もせずに終える。
// 成功時はSessionを保存してView Binderへ通知し、クエリを除去したURLへの遷移を返す。
// 失敗時はサインイン待ちレコードとURLをそのまま残し、再試行できるようにする。
//
// 同じリンクに対する同時実行はプロバイダー呼び出し1回にまとめられ、
// 完了済みのリンクは再びプロバイダーへ送られない。
// プロバイダー呼び出しは呼び出し元のキャンセルを引き継がない（タイムアウトはHTTPクライアント側）。
func (s *Service) CompleteSignIn(ctx context.Context, browserID, pageURL string, prompt PromptAnswer) Outcome {
	if !s.DetectReturnLink(pageURL) {
		return Outcome{State: StateAnonymous}
	}

	key := browserID + "\x00" + pageURL
	if s.isConsumed(key) {
		return Outcome{State: StateAuthenticated, RedirectTo: stripQuery(pageURL)}
	}

	email := s.store.PendingEmail(ctx, browserID)
	if email == "" {
		if !prompt.Asked {
			return Outcome{State: StateAwaitingCompletion, NeedsEmail: true}
		}
		email = SanitizeEmailInput(prompt.Email)
		if prompt.Cancelled || email == "" {
			s.metrics.RecordSignInCompletion("abandoned")
			s.logger.Info("sign-in abandoned without email", slog.String("browser_id", browserID))
			return Outcome{State: StateAnonymous}
		}
		if err := s.store.SetPendingEmail(ctx, browserID, email); err != nil {
			s.logger.Warn("failed to persist confirmed email",
				slog.String("browser_id", browserID),
				slog.String("error", err.Error()),
			)
		}
	}

	callCtx := context.WithoutCancel(ctx)
	v, _, _ := s.inflight.Do(key, func() (any, error) {
		if s.isConsumed(key) {
			return Outcome{State: StateAuthenticated, RedirectTo: stripQuery(pageURL)}, nil
		}
		return s.complete(callCtx, browserID, email, pageURL, key), nil
	})
	return v.(Outcome)
}

// complete はプロバイダーでサインインを完了し、Sessionを確定させる。
func (s *Service) complete(ctx context.Context, browserID, email, pageURL, key string) Outcome {
	start := time.Now()
	profile, err := s.provider.SignInWithEmailLink(ctx, email, pageURL)
	s.metrics.RecordProviderLatency("sign_in_with_email_link", time.Since(start))
	if err != nil {
		s.metrics.RecordSignInCompletion("failure")
		s.logger.Warn("email link sign-in failed",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return Outcome{
			State:  StateError,
			Status: model.NewSignInFailedError(providerMessage(err)).Message,
		}
	}

	if err := s.store.ClearPendingEmail(ctx, browserID); err != nil {
		s.logger.Warn("failed to clear pending email",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
	}

	sess := model.NewAuthenticatedSession(s.sanitizer.SanitizeProfile(*profile))
	if err := s.store.Write(ctx, browserID, sess); err != nil {
		s.metrics.RecordSignInCompletion("failure")
		s.logger.Error("failed to persist session",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return Outcome{
			State:  StateError,
			Status: model.NewSignInFailedError(err.Error()).Message,
		}
	}

	s.markConsumed(key)
	s.dispatcher.Dispatch(browserID, viewstate.SetSession{Session: &sess})
	s.metrics.RecordSignInCompletion("success")
	s.logger.Info("user signed in",
		slog.String("browser_id", browserID),
		slog.String("uid", sess.UID),
	)

	return Outcome{
		State:      StateAuthenticated,
		RedirectTo: stripQuery(pageURL),
		Session:    &sess,
	}
}

// SignOut は保存されているSessionを削除し、View Binderへ未ログインを通知する。
func (s *Service) SignOut(ctx context.Context, browserID string) error {
	if err := s.store.Clear(ctx, browserID); err != nil {
		return err
	}
	s.dispatcher.Dispatch(browserID, viewstate.SetSession{Session: nil})
	s.logger.Info("user signed out", slog.String("browser_id", browserID))
	return nil
}

// isConsumed は完了済みリンクかどうかを判定する。
func (s *Service) isConsumed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.consumed[key]
	return ok && time.Since(at) < consumedLinkTTL
}

// markConsumed はリンクを完了済みとして記録し、期限切れの記録を掃除する。
func (s *Service) markConsumed(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, at := range s.consumed {
		if now.Sub(at) >= consumedLinkTTL {
			delete(s.consumed, k)
		}
	}
	s.consumed[key] = now
}

// providerMessage はエラーからユーザーに表示するメッセージを取り出す。
func providerMessage(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}

// stripQuery はURLからクエリ文字列を除去する。フラグメントは残す。
func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String()
}

type noopMetrics struct{}

func (noopMetrics) RecordLinkRequest(string)                    {}
func (noopMetrics) RecordSignInCompletion(string)               {}
func (noopMetrics) RecordValidationFailure(string)              {}
func (noopMetrics) RecordProviderLatency(string, time.Duration) {}
