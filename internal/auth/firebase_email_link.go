package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/emaillink/internal/model"
)

const (
	defaultIdentityToolkitEndpoint = "https://identitytoolkit.googleapis.com/v1"
	defaultIdentityTimeout         = 10 * time.Second

	// modeSignIn はメールリンクサインインを示すmodeクエリパラメータの値。
	modeSignIn = "signIn"
)

// FirebaseConfig はFirebase Authentication（Identity Toolkit REST API）の設定。
type FirebaseConfig struct {
	APIKey string

	// テスト用にオーバーライド可能なエンドポイントとHTTPクライアント
	Endpoint   string
	HTTPClient *http.Client
}

// FirebaseEmailLinkProvider はFirebase Authenticationによるメールリンク認証を提供する。
type FirebaseEmailLinkProvider struct {
	config FirebaseConfig
}

// NewFirebaseEmailLinkProvider はFirebaseEmailLinkProviderを生成する。
func NewFirebaseEmailLinkProvider(config FirebaseConfig) *FirebaseEmailLinkProvider {
	if config.Endpoint == "" {
		config.Endpoint = defaultIdentityToolkitEndpoint
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: defaultIdentityTimeout}
	}
	return &FirebaseEmailLinkProvider{config: config}
}

// ProviderError はIDプロバイダーが返したエラーを表す。
// MessageはFirebaseクライアントSDKと同じ書式（"Firebase: Error (auth/xxx)."）になる。
type ProviderError struct {
	Code       string // サーバーが返したエラーコード（例: INVALID_OOB_CODE）
	Message    string
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return e.Message
}

// sendOobCodeRequest はaccounts:sendOobCodeのリクエストボディ。
type sendOobCodeRequest struct {
	RequestType        string `json:"requestType"`
	Email              string `json:"email"`
	ContinueURL        string `json:"continueUrl"`
	CanHandleCodeInApp bool   `json:"canHandleCodeInApp"`
}

// signInWithEmailLinkRequest はaccounts:signInWithEmailLinkのリクエストボディ。
type signInWithEmailLinkRequest struct {
	Email             string `json:"email"`
	OOBCode           string `json:"oobCode"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

// signInWithEmailLinkResponse はaccounts:signInWithEmailLinkのレスポンス。
type signInWithEmailLinkResponse struct {
	IDToken   string `json:"idToken"`
	Email     string `json:"email"`
	LocalID   string `json:"localId"`
	IsNewUser bool   `json:"isNewUser"`
}

// lookupResponse はaccounts:lookupのレスポンス。
type lookupResponse struct {
	Users []struct {
		LocalID     string `json:"localId"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		PhotoURL    string `json:"photoUrl"`
	} `json:"users"`
}

// errorResponse はIdentity Toolkitのエラーレスポンス。
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SendSignInLink は指定メールアドレスにサインインリンクを送信する。
// リンクはsettings.URLに戻り、アプリ内で完了処理を行う設定になる。
func (p *FirebaseEmailLinkProvider) SendSignInLink(ctx context.Context, email string, settings ActionCodeSettings) error {
	body := sendOobCodeRequest{
		RequestType:        "EMAIL_SIGNIN",
		Email:              email,
		ContinueURL:        settings.URL,
		CanHandleCodeInApp: settings.HandleCodeInApp,
	}
	if err := p.post(ctx, "accounts:sendOobCode", body, nil); err != nil {
		return fmt.Errorf("failed to send sign-in link: %w", err)
	}
	return nil
}

// IsSignInWithEmailLink はリンクがプロバイダー発行のサインインリンクかどうかを判定する。
// ネットワークアクセスは行わず、何度呼び出しても同じ結果を返す。
func (p *FirebaseEmailLinkProvider) IsSignInWithEmailLink(link string) bool {
	_, ok := parseActionCode(link)
	return ok
}

// SignInWithEmailLink はメールアドレスとサインインリンクで認証を完了し、プロフィールを返す。
func (p *FirebaseEmailLinkProvider) SignInWithEmailLink(ctx context.Context, email, link string) (*model.Profile, error) {
	oobCode, ok := parseActionCode(link)
	if !ok {
		return nil, &ProviderError{
			Code:    "INVALID_OOB_CODE",
			Message: sdkMessage("INVALID_OOB_CODE"),
		}
	}

	// 1. ワンタイムコードでサインイン
	var signIn signInWithEmailLinkResponse
	err := p.post(ctx, "accounts:signInWithEmailLink", signInWithEmailLinkRequest{
		Email:             email,
		OOBCode:           oobCode,
		ReturnSecureToken: true,
	}, &signIn)
	if err != nil {
		return nil, fmt.Errorf("failed to sign in with email link: %w", err)
	}
	if signIn.LocalID == "" {
		return nil, fmt.Errorf("empty localId in sign-in response")
	}

	profile := &model.Profile{
		UID:   signIn.LocalID,
		Email: signIn.Email,
	}

	// 2. IDトークンでプロフィール（表示名・写真）を取得
	if signIn.IDToken == "" {
		return profile, nil
	}
	var lookup lookupResponse
	if err := p.post(ctx, "accounts:lookup", map[string]string{"idToken": signIn.IDToken}, &lookup); err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if len(lookup.Users) > 0 {
		u := lookup.Users[0]
		if u.Email != "" {
			profile.Email = u.Email
		}
		profile.DisplayName = u.DisplayName
		profile.PhotoURL = u.PhotoURL
	}

	return profile, nil
}

// post はIdentity ToolkitのメソッドにJSONをPOSTし、レスポンスをoutにデコードする。
func (p *FirebaseEmailLinkProvider) post(ctx context.Context, method string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	endpoint := p.config.Endpoint + "/" + method + "?key=" + url.QueryEscape(p.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return &ProviderError{
			Code:    "NETWORK_REQUEST_FAILED",
			Message: sdkMessage("NETWORK_REQUEST_FAILED"),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		return newProviderError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	return nil
}

// newProviderError はエラーレスポンスボディからProviderErrorを生成する。
func newProviderError(status int, body []byte) *ProviderError {
	var er errorResponse
	code := "INTERNAL_ERROR"
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		// "TOO_MANY_ATTEMPTS_TRY_LATER : detail" のように詳細が続く場合がある
		code = strings.TrimSpace(strings.SplitN(er.Error.Message, " : ", 2)[0])
	}
	return &ProviderError{
		Code:       code,
		Message:    sdkMessage(code),
		StatusCode: status,
	}
}

// sdkErrorCodes はサーバーエラーコードとクライアントSDKのエラーコードの対応表。
var sdkErrorCodes = map[string]string{
	"INVALID_OOB_CODE":            "invalid-action-code",
	"EXPIRED_OOB_CODE":            "expired-action-code",
	"INVALID_EMAIL":               "invalid-email",
	"MISSING_EMAIL":               "missing-email",
	"EMAIL_NOT_FOUND":             "user-not-found",
	"USER_DISABLED":               "user-disabled",
	"OPERATION_NOT_ALLOWED":       "operation-not-allowed",
	"TOO_MANY_ATTEMPTS_TRY_LATER": "too-many-requests",
	"QUOTA_EXCEEDED":              "quota-exceeded",
	"MISSING_CONTINUE_URI":        "missing-continue-uri",
	"INVALID_CONTINUE_URI":        "invalid-continue-uri",
	"UNAUTHORIZED_DOMAIN":         "unauthorized-continue-uri",
	"INVALID_API_KEY":             "invalid-api-key",
	"NETWORK_REQUEST_FAILED":      "network-request-failed",
	"INTERNAL_ERROR":              "internal-error",
}

// sdkMessage はサーバーエラーコードをクライアントSDK形式のメッセージに変換する。
func sdkMessage(code string) string {
	sdkCode, ok := sdkErrorCodes[code]
	if !ok {
		if strings.HasPrefix(code, "API key not valid") {
			sdkCode = "api-key-not-valid.-please-pass-a-valid-api-key."
		} else {
			sdkCode = strings.ToLower(strings.ReplaceAll(code, "_", "-"))
		}
	}
	return fmt.Sprintf("Firebase: Error (auth/%s).", sdkCode)
}

// parseActionCode はリンクからメールサインイン用のワンタイムコードを取り出す。
// リンクがlinkまたはdeep_link_idパラメータで包まれている場合は内側のリンクを使う。
// mode=signIn、oobCode、apiKeyが揃っている場合のみok=trueを返す。
func parseActionCode(link string) (oobCode string, ok bool) {
	u, err := url.Parse(deepLink(link))
	if err != nil {
		return "", false
	}
	q := u.Query()
	if q.Get("mode") != modeSignIn || q.Get("apiKey") == "" {
		return "", false
	}
	oobCode = q.Get("oobCode")
	return oobCode, oobCode != ""
}

// deepLink はコールバックURLに埋め込まれた実際のリンクを返す。
func deepLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := u.Query()

	inner := q.Get("link")
	if inner != "" {
		if iu, err := url.Parse(inner); err == nil {
			if dl := iu.Query().Get("deep_link_id"); dl != "" {
				return dl
			}
		}
	}
	if dl := q.Get("deep_link_id"); dl != "" {
		return dl
	}
	if inner != "" {
		return inner
	}
	return link
}

// compile-time interface check
var _ EmailLinkProvider = (*FirebaseEmailLinkProvider)(nil)
