package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/middleware"
	"github.com/hitoshi/groupsession/internal/model"
)

// stubSessionFinder は固定のトークンだけを有効とするSessionFinder。
type stubSessionFinder struct {
	tokens map[string]string
}

func (f *stubSessionFinder) FindByID(ctx context.Context, id string) (*model.AuthSession, error) {
	userID, ok := f.tokens[id]
	if !ok {
		return nil, nil
	}
	return &model.AuthSession{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type routerFixture struct {
	router   http.Handler
	registry *prometheus.Registry
	svc      *mockGroupSessionService
}

func newRouterFixture(t *testing.T, checkers map[string]HealthChecker) *routerFixture {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     rate.Every(time.Hour),
		GeneralBurst:    100,
		JoinRate:        rate.Every(time.Hour),
		JoinBurst:       1,
		CleanupInterval: time.Hour,
	}, nil)
	t.Cleanup(rl.Stop)

	reg := prometheus.NewRegistry()
	svc := &mockGroupSessionService{}
	router := NewRouter(&RouterDeps{
		SessionFinder:       &stubSessionFinder{tokens: map[string]string{"token-host": "host-1", "token-guest": "guest-1"}},
		CORSAllowedOrigin:   "http://localhost:3000",
		RateLimiter:         rl,
		Metrics:             metrics.NewCollector(reg),
		Gatherer:            reg,
		HealthCheckers:      checkers,
		GroupSessionService: svc,
	})
	return &routerFixture{router: router, registry: reg, svc: svc}
}

func (f *routerFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	ok := HealthCheckerFunc(func(ctx context.Context) error { return nil })
	down := HealthCheckerFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		checkers   map[string]HealthChecker
		wantStatus int
		wantBody   string
		wantRedis  string
	}{
		{"all ok", map[string]HealthChecker{"db": ok, "redis": ok}, http.StatusOK, "ok", "ok"},
		{"redis down", map[string]HealthChecker{"db": ok, "redis": down}, http.StatusServiceUnavailable, "degraded", "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, tt.checkers)

			w := f.do(http.MethodGet, "/health", "", "")

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp healthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if resp.Status != tt.wantBody || resp.Checks["redis"] != tt.wantRedis || resp.Checks["db"] != "ok" {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestRouter_MetricsExposesHTTPStatus(t *testing.T) {
	f := newRouterFixture(t, nil)

	f.do(http.MethodGet, "/api/group-sessions", "", "")
	w := f.do(http.MethodGet, "/metrics", "", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `groupsession_http_status_total{status_code="401"} 1`) {
		t.Errorf("metrics body does not contain 401 counter:\n%s", w.Body.String())
	}
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	f := newRouterFixture(t, nil)

	for _, token := range []string{"", "unknown-token"} {
		w := f.do(http.MethodGet, "/api/group-sessions/mine", token, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, w.Code)
		}
		if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeUnauthorized {
			t.Errorf("token %q: code = %q", token, body.Code)
		}
	}
}

func TestRouter_RoutesToHandlers(t *testing.T) {
	f := newRouterFixture(t, nil)
	var gotUser, gotSession string
	f.svc.startFn = func(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
		gotUser, gotSession = userID, sessionID
		return &sessionResponse{ID: sessionID, Status: string(model.SessionStatusActive)}, nil
	}

	w := f.do(http.MethodPost, "/api/group-sessions/s-42/start", "token-host", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if gotUser != "host-1" || gotSession != "s-42" {
		t.Errorf("user = %q, session = %q", gotUser, gotSession)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers are missing")
	}
}

func TestRouter_StaticPathsWinOverID(t *testing.T) {
	f := newRouterFixture(t, nil)
	called := ""
	f.svc.listMineFn = func(ctx context.Context, userID string) ([]sessionResponse, error) {
		called = "mine"
		return nil, nil
	}
	f.svc.getSessionFn = func(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
		called = "get:" + sessionID
		return &sessionResponse{ID: sessionID}, nil
	}

	f.do(http.MethodGet, "/api/group-sessions/mine", "token-guest", "")
	if called != "mine" {
		t.Errorf("called = %q, want mine", called)
	}
	f.do(http.MethodGet, "/api/group-sessions/s-1", "token-guest", "")
	if called != "get:s-1" {
		t.Errorf("called = %q, want get:s-1", called)
	}
}

// TestRouter_JoinRateLimit は参加系のレート制限がユーザーごとに独立して適用されることを検証する。
func TestRouter_JoinRateLimit(t *testing.T) {
	f := newRouterFixture(t, nil)

	if w := f.do(http.MethodPost, "/api/group-sessions/s-1/join", "token-guest", ""); w.Code != http.StatusOK {
		t.Fatalf("first join status = %d, want 200", w.Code)
	}
	w := f.do(http.MethodPost, "/api/group-sessions/join-by-code", "token-guest", `{"join_code":"ABC234"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second join status = %d, want 429", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q", body.Code)
	}

	// 参加系以外は影響を受けない
	if w := f.do(http.MethodGet, "/api/group-sessions/s-1", "token-guest", ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", w.Code)
	}
	// 別ユーザーは独立
	if w := f.do(http.MethodPost, "/api/group-sessions/s-1/join", "token-host", ""); w.Code != http.StatusOK {
		t.Errorf("other user join status = %d, want 200", w.Code)
	}
}

func TestRouter_CSRFForCookieSessions(t *testing.T) {
	f := newRouterFixture(t, nil)

	tokenResp := f.do(http.MethodGet, "/api/csrf-token", "", "")
	if tokenResp.Code != http.StatusOK {
		t.Fatalf("csrf-token status = %d", tokenResp.Code)
	}
	var tok struct {
		Token string `json:"token"`
	}
	json.NewDecoder(tokenResp.Body).Decode(&tok)
	if tok.Token == "" {
		t.Fatal("token is empty")
	}

	newCookieRequest := func(withHeader bool) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/group-sessions/s-1/leave", nil)
		req.AddCookie(&http.Cookie{Name: "session_id", Value: "token-guest"})
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: tok.Token})
		if withHeader {
			req.Header.Set("X-CSRF-Token", tok.Token)
		}
		return req
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, newCookieRequest(false))
	if w.Code != http.StatusForbidden {
		t.Errorf("without header status = %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, newCookieRequest(true))
	if w.Code != http.StatusNoContent {
		t.Errorf("with header status = %d, want 204", w.Code)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	f := newRouterFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/group-sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
