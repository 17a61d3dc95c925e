package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/emaillink/internal/auth"
	"github.com/hitoshi/emaillink/internal/metrics"
	"github.com/hitoshi/emaillink/internal/middleware"
	"github.com/hitoshi/emaillink/internal/model"
	"github.com/hitoshi/emaillink/internal/repository"
	"github.com/hitoshi/emaillink/internal/security"
	"github.com/hitoshi/emaillink/internal/session"
	"github.com/hitoshi/emaillink/internal/viewstate"
)

// stubProvider はメール送信を記録し、oobCodeを持つリンクでサインインを成功させる。
type stubProvider struct {
	mu    sync.Mutex
	sent  []string
	codes map[string]bool
}

func (p *stubProvider) SendSignInLink(_ context.Context, email string, settings auth.ActionCodeSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, email+" "+settings.URL)
	return nil
}

func (p *stubProvider) sentLinks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *stubProvider) IsSignInWithEmailLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	q := u.Query()
	return q.Get("mode") == "signIn" && q.Get("oobCode") != ""
}

func (p *stubProvider) SignInWithEmailLink(_ context.Context, email, link string) (*model.Profile, error) {
	u, _ := url.Parse(link)
	code := u.Query().Get("oobCode")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.codes[code] {
		return nil, &auth.ProviderError{Code: "INVALID_OOB_CODE", Message: "Firebase: Error (auth/invalid-action-code)."}
	}
	if p.codes == nil {
		p.codes = map[string]bool{}
	}
	p.codes[code] = true
	return &model.Profile{UID: "uid-" + email, Email: email, DisplayName: "<b>Alice</b>"}, nil
}

type testApp struct {
	server   *httptest.Server
	hub      *viewstate.Hub
	provider *stubProvider
	registry *prometheus.Registry
}

func newTestApp(t *testing.T, limits middleware.RateLimiterConfig) *testApp {
	t.Helper()

	app := &testApp{provider: &stubProvider{}, registry: prometheus.NewRegistry()}
	collector := metrics.NewCollector(app.registry)
	store := session.NewStore(repository.NewMemoryBrowserStorageRepo(), nil)
	app.hub = viewstate.NewHub(store, viewstate.HubConfig{}, nil, collector)
	service := auth.NewService(app.provider, store, app.hub, security.NewProfileSanitizer(), collector, nil)

	rl := middleware.NewRateLimiter(limits)
	t.Cleanup(rl.Stop)

	var router http.Handler
	app.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(app.server.Close)

	router = NewRouter(&RouterDeps{
		RateLimiter:    rl,
		StatusRecorder: collector,
		AuthService:    service,
		AuthConfig:     AuthHandlerConfig{BaseURL: app.server.URL},
		Binders:        app.hub,
		MetricsHandler: metrics.Handler(app.registry),
	})
	return app
}

// browser はCookieを保持し、リダイレクトを追わないHTTPクライアント。
type browser struct {
	t      *testing.T
	app    *testApp
	client *http.Client
	csrf   string
}

var csrfFieldPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

func (a *testApp) newBrowser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	return &browser{
		t:   t,
		app: a,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) do(req *http.Request) (*http.Response, string) {
	b.t.Helper()
	resp, err := b.client.Do(req)
	if err != nil {
		b.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if m := csrfFieldPattern.FindStringSubmatch(string(body)); m != nil {
		b.csrf = m[1]
	}
	return resp, string(body)
}

func (b *browser) get(target string) (*http.Response, string) {
	b.t.Helper()
	if strings.HasPrefix(target, "/") {
		target = b.app.server.URL + target
	}
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	return b.do(req)
}

func (b *browser) post(path string, form url.Values) (*http.Response, string) {
	b.t.Helper()
	if form.Get("csrf_token") == "" && b.csrf != "" {
		form.Set("csrf_token", b.csrf)
	}
	req, _ := http.NewRequest(http.MethodPost, b.app.server.URL+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) browserID() string {
	u, _ := url.Parse(b.app.server.URL)
	for _, c := range b.client.Jar.Cookies(u) {
		if c.Name == middleware.BrowserCookieName {
			return c.Value
		}
	}
	return ""
}

func (b *browser) currentSession() *model.Session {
	b.t.Helper()
	_, body := b.get("/api/session")
	var sess *model.Session
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		b.t.Fatalf("failed to decode session: %v (%s)", err, body)
	}
	return sess
}

func (a *testApp) signInLink(code string) string {
	return a.server.URL + "/?apiKey=test-key&oobCode=" + code + "&mode=signIn&lang=en"
}

// --- テスト ---

func TestRouter_EmailLinkFlow_SameBrowser(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)

	resp, body := b.get("/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "You are not logged in!") {
		t.Error("expected anonymous view")
	}
	if b.browserID() == "" || b.csrf == "" {
		t.Fatal("expected browser cookie and CSRF token")
	}

	resp, body = b.post("/login", url.Values{"email": {"a@b.co"}, "action": {"login"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /login status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, auth.SuccessRemark) {
		t.Error("expected success remark")
	}
	if sent := app.provider.sentLinks(); len(sent) != 1 || sent[0] != "a@b.co "+app.server.URL+"/" {
		t.Errorf("unexpected sent links: %v", sent)
	}

	resp, _ = b.get(app.signInLink("code-1"))
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("return link status = %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != app.server.URL+"/" {
		t.Errorf("Location = %q, want %q", loc, app.server.URL+"/")
	}

	_, body = b.get("/")
	if !strings.Contains(body, "You are logged in!") {
		t.Error("expected logged-in view after completing sign-in")
	}
	if !strings.Contains(body, "Hi! <b>Alice</b>") {
		t.Errorf("display name should be sanitized and greeted, got %s", body)
	}

	sess := b.currentSession()
	if sess == nil || !sess.IsLoggedIn || sess.Email != "a@b.co" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	resp, _ = b.post("/logout", url.Values{})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("POST /logout status = %d, want 303", resp.StatusCode)
	}
	if sess := b.currentSession(); sess != nil {
		t.Errorf("expected null session after logout, got %+v", sess)
	}
}

func TestRouter_EmailLinkFlow_OtherBrowser_PromptsForEmail(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)

	link := app.signInLink("code-2")
	resp, body := b.get(link)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "Please provide your email for confirmation") {
		t.Fatal("expected email prompt")
	}

	resp, _ = b.post("/confirm", url.Values{"link": {link}, "email": {"c@d.co"}, "action": {"confirm"}})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("confirm status = %d, want 303", resp.StatusCode)
	}

	sess := b.currentSession()
	if sess == nil || sess.Email != "c@d.co" {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestRouter_EmailLinkFlow_PromptCancelled(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)

	link := app.signInLink("code-3")
	b.get(link)

	resp, body := b.post("/confirm", url.Values{"link": {link}, "action": {"cancel"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "You are not logged in!") {
		t.Error("expected anonymous view after cancel")
	}
	if sess := b.currentSession(); sess != nil {
		t.Errorf("expected no session, got %+v", sess)
	}
}

func TestRouter_Login_WithoutCSRFToken_Returns403(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)
	b.get("/")

	req, _ := http.NewRequest(http.MethodPost, app.server.URL+"/login",
		strings.NewReader(url.Values{"email": {"a@b.co"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ := b.do(req)

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if len(app.provider.sentLinks()) != 0 {
		t.Error("no link should be sent without a valid CSRF token")
	}
}

func TestRouter_Login_LinkRequestRateLimited(t *testing.T) {
	app := newTestApp(t, middleware.NewRateLimiterConfig(120, 1))
	b := app.newBrowser(t)
	b.get("/")

	resp, _ := b.post("/login", url.Values{"email": {"a@b.co"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first login status = %d, want 200", resp.StatusCode)
	}
	resp, _ = b.post("/login", url.Values{"email": {"a@b.co"}})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second login status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// ページ表示は送信専用の制限を受けない
	resp, _ = b.get("/")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / status = %d, want 200", resp.StatusCode)
	}
}

// postWithoutBrowserCookie はbrowser_id Cookieを持たず、CSRFトークンだけを自前で揃えたPOSTを送る。
func (a *testApp) postWithoutBrowserCookie(t *testing.T, path string, form url.Values, forwardedFor string) *http.Response {
	t.Helper()
	form.Set("csrf_token", "attacker-token")
	req, _ := http.NewRequest(http.MethodPost, a.server.URL+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "attacker-token"})
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	resp, err := a.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	return resp
}

// TestRouter_Login_WithoutBrowserCookie_StillRateLimited は
// browser_id Cookieを毎回捨てても、同じ送信先へのリンク送信が制限されることを検証する。
func TestRouter_Login_WithoutBrowserCookie_StillRateLimited(t *testing.T) {
	app := newTestApp(t, middleware.NewRateLimiterConfig(120, 2))

	accepted := 0
	for i := 0; i < 10; i++ {
		// 送信元アドレスも毎回変える
		forwardedFor := "198.51.100." + strconv.Itoa(i+1)
		resp := app.postWithoutBrowserCookie(t, "/login", url.Values{"email": {"Victim@Example.com"}}, forwardedFor)
		if resp.StatusCode == http.StatusOK {
			accepted++
		} else if resp.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 200 or 429", i+1, resp.StatusCode)
		}
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if sent := app.provider.sentLinks(); len(sent) != 2 {
		t.Errorf("links sent = %d, want 2", len(sent))
	}
}

// TestRouter_Login_WithoutBrowserCookie_LimitedPerClient は
// 送信先を変えても同じクライアントからのリンク送信が制限されることを検証する。
func TestRouter_Login_WithoutBrowserCookie_LimitedPerClient(t *testing.T) {
	app := newTestApp(t, middleware.NewRateLimiterConfig(120, 2))

	accepted := 0
	for i := 0; i < 5; i++ {
		email := "user" + strconv.Itoa(i) + "@example.com"
		resp := app.postWithoutBrowserCookie(t, "/login", url.Values{"email": {email}}, "")
		if resp.StatusCode == http.StatusOK {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if sent := app.provider.sentLinks(); len(sent) != 2 {
		t.Errorf("links sent = %d, want 2", len(sent))
	}
}

func TestRouter_SessionFragment(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)

	resp, body := b.get("/fragments/session")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(body, `<div id="session-view">`) {
		t.Errorf("unexpected fragment: %s", body)
	}
}

func TestRouter_CSRFTokenEndpoint(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)

	_, body := b.get("/api/csrf-token")
	var got map[string]string
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	token := got["token"]
	if token == "" {
		t.Fatalf("expected csrf token, got %s", body)
	}

	// ヘッダーで渡したトークンでも検証を通る
	req, _ := http.NewRequest(http.MethodPost, app.server.URL+"/logout", nil)
	req.Header.Set("X-CSRF-Token", token)
	resp, _ := b.do(req)
	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("status = %d, want 303", resp.StatusCode)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)

	resp, _ := b.get("/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if b.browserID() != "" {
		t.Error("/health should not issue a browser cookie")
	}

	b.get("/")
	_, body := b.get("/metrics")
	if !strings.Contains(body, "emaillink_http_status_total") {
		t.Error("expected HTTP status metric to be exposed")
	}
}

func TestRouter_WebSocket_PushesSessionChanges(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)
	b.get("/")
	b.post("/login", url.Values{"email": {"a@b.co"}})

	dialer := websocket.Dialer{Jar: b.client.Jar, HandshakeTimeout: 2 * time.Second}
	wsURL := "ws" + strings.TrimPrefix(app.server.URL, "http") + "/ws"
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	binder := app.hub.Binder(context.Background(), b.browserID())
	deadline := time.Now().Add(2 * time.Second)
	for binder.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.get(app.signInLink("code-ws"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg sessionMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if msg.Type != "session" || msg.Session == nil || !msg.Session.IsLoggedIn {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestRouter_WebSocket_RejectsForeignOrigin(t *testing.T) {
	app := newTestApp(t, middleware.DefaultRateLimiterConfig())
	b := app.newBrowser(t)
	b.get("/")

	dialer := websocket.Dialer{Jar: b.client.Jar, HandshakeTimeout: 2 * time.Second}
	wsURL := "ws" + strings.TrimPrefix(app.server.URL, "http") + "/ws"
	_, resp, err := dialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
