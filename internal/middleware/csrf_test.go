package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/groupsession/internal/model"
)

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethods_PassWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/api/group-sessions", nil))

			if !called {
				t.Fatalf("handler should have been called for %s", method)
			}
		})
	}
}

func TestCSRFMiddleware_StateChangingMethods_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		method string
		cookie string
		header string
	}{
		{"POST no cookie", http.MethodPost, "", ""},
		{"POST no header", http.MethodPost, "token-abc", ""},
		{"POST mismatch", http.MethodPost, "token-abc", "wrong-token"},
		{"PUT no token", http.MethodPut, "", ""},
		{"DELETE no token", http.MethodDelete, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(tt.method, "/api/group-sessions/s1/join", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
			}
			var body ErrorResponseBody
			json.NewDecoder(resp.Body).Decode(&body)
			if body.Code != model.ErrCodeCSRFValidation {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFValidation)
			}
		})
	}
}

func TestCSRFMiddleware_MatchingToken_PassesThrough(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut} {
		t.Run(method, func(t *testing.T) {
			called := false
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(method, "/api/group-sessions/s1", nil)
			req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "valid-token"})
			req.Header.Set(csrfHeaderName, "valid-token")

			handler.ServeHTTP(httptest.NewRecorder(), req)

			if !called {
				t.Fatal("handler should have been called with matching token")
			}
		})
	}
}

// TestCSRFMiddleware_BearerAuth_SkipsValidation はヘッダー認証のクライアントがトークンなしで通ることを検証する。
func TestCSRFMiddleware_BearerAuth_SkipsValidation(t *testing.T) {
	called := false
	handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/group-sessions/s1/join", nil)
	req.Header.Set("Authorization", "Bearer session-1")

	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("handler should have been called for bearer-authenticated request")
	}
}

func TestCSRFMiddleware_GETRequest_SetsCookieOnce(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{CookieDomain: "example.com"})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/group-sessions", nil))

	c := findCookie(w.Result(), csrfCookieName)
	if c == nil || c.Value == "" {
		t.Fatal("expected CSRF cookie to be set on GET request")
	}
	if c.HttpOnly {
		t.Error("CSRF cookie should be readable from the frontend")
	}
	if c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Errorf("cookie = %+v", c)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/group-sessions", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)

	if findCookie(w2.Result(), csrfCookieName) != nil {
		t.Error("CSRF cookie should not be re-set when already present")
	}
}

func TestCSRFTokenHandler_IssuesOrReturnsToken(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	c := findCookie(w.Result(), csrfCookieName)
	if body.Token == "" || c == nil || c.Value != body.Token {
		t.Errorf("token = %q, cookie = %v", body.Token, c)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)

	json.NewDecoder(w2.Result().Body).Decode(&body)
	if body.Token != "existing-csrf-token" {
		t.Errorf("token = %q, want existing-csrf-token", body.Token)
	}
}
