package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newAuthServer wires the handler the way the app does, with the
// in-memory store behind it.
func newAuthServer(t *testing.T, rateLimitMax int) (*httptest.Server, *serviceFixture) {
	t.Helper()

	f := newServiceFixture(t, rateLimitMax)
	handler := NewHandler(f.service)
	mw := NewMiddleware(f.tokens, f.store)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", handler.Login)
	mux.HandleFunc("POST /auth/refresh", handler.Refresh)
	mux.Handle("GET /auth/verify", mw.Authenticate(http.HandlerFunc(handler.Verify)))
	mux.Handle("POST /auth/logout", mw.Authenticate(http.HandlerFunc(handler.Logout)))
	mux.Handle("POST /auth/change-password", mw.Authenticate(http.HandlerFunc(handler.ChangePassword)))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, f
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func loginBody(password string) string {
	return fmt.Sprintf(`{"identifier":"a@x.com","password":"%s"}`, password)
}

func TestLoginEndpointHappyPath(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	resp := postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decodeJSON(t, resp)
	tokens, ok := body["tokens"].(map[string]any)
	if !ok {
		t.Fatalf("expected tokens object, got %v", body)
	}
	if tokens["access_token"] == "" || tokens["refresh_token"] == "" {
		t.Fatal("expected both tokens in response")
	}
	if tokens["token_type"] != "Bearer" {
		t.Fatalf("expected Bearer, got %v", tokens["token_type"])
	}

	acct, ok := body["account"].(map[string]any)
	if !ok {
		t.Fatalf("expected account object, got %v", body)
	}
	if _, leaked := acct["password_hash"]; leaked {
		t.Fatal("password hash leaked in response")
	}
	if _, leaked := acct["refresh_token_hash"]; leaked {
		t.Fatal("refresh token hash leaked in response")
	}
}

func TestLoginEndpointValidation(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	cases := []string{
		`{}`,
		`{"identifier":"not-an-email","password":"x"}`,
		`{"identifier":"a@x.com"}`,
		`{"identifier":"a@x.com","password":"x","extra":true}`,
		`not json`,
	}
	for _, body := range cases {
		resp := postJSON(t, srv.URL+"/auth/login", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
		if got := decodeJSON(t, resp)["code"]; got != CodeValidation {
			t.Fatalf("body %q: expected %s, got %v", body, CodeValidation, got)
		}
	}
}

func TestLoginEndpointWrongPassword(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	resp := postJSON(t, srv.URL+"/auth/login", loginBody("wrong"), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := decodeJSON(t, resp)["code"]; got != CodeInvalidCredentials {
		t.Fatalf("expected %s, got %v", CodeInvalidCredentials, got)
	}
}

func TestLoginEndpointLockout(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	for i := 0; i < 4; i++ {
		resp := postJSON(t, srv.URL+"/auth/login", loginBody("wrong"), nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, resp.StatusCode)
		}
	}

	resp := postJSON(t, srv.URL+"/auth/login", loginBody("wrong"), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on lock, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on lock")
	}
	body := decodeJSON(t, resp)
	if body["code"] != CodeAccountLocked {
		t.Fatalf("expected %s, got %v", CodeAccountLocked, body["code"])
	}
	lockedUntil, ok := body["locked_until"].(string)
	if !ok {
		t.Fatalf("expected locked_until, got %v", body)
	}
	if _, err := time.Parse(time.RFC3339, lockedUntil); err != nil {
		t.Fatalf("locked_until not RFC3339: %v", err)
	}

	// Correct password while locked is still rejected.
	resp = postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with correct password while locked, got %d", resp.StatusCode)
	}
	if got := decodeJSON(t, resp)["code"]; got != CodeAccountLocked {
		t.Fatalf("expected %s, got %v", CodeAccountLocked, got)
	}
}

func TestLoginEndpointRateLimited(t *testing.T) {
	srv, _ := newAuthServer(t, 2)

	headers := map[string]string{"X-Forwarded-For": "203.0.113.7"}
	postJSON(t, srv.URL+"/auth/login", loginBody("wrong"), headers)
	postJSON(t, srv.URL+"/auth/login", loginBody("wrong"), headers)

	resp := postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), headers)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := decodeJSON(t, resp)["code"]; got != CodeTooManyAttempts {
		t.Fatalf("expected %s, got %v", CodeTooManyAttempts, got)
	}

	// A different forwarded address is not throttled.
	resp = postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), map[string]string{"X-Forwarded-For": "203.0.113.8"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from other address, got %d", resp.StatusCode)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	login := postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), nil)
	tokens := decodeJSON(t, login)["tokens"].(map[string]any)
	refreshToken := tokens["refresh_token"].(string)

	resp := postJSON(t, srv.URL+"/auth/refresh", fmt.Sprintf(`{"refresh_token":"%s"}`, refreshToken), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["access_token"] == "" {
		t.Fatal("expected new access token")
	}
	if _, rotated := body["refresh_token"]; rotated {
		t.Fatal("refresh response must not include a refresh token")
	}

	resp = postJSON(t, srv.URL+"/auth/refresh", `{"refresh_token":"bogus"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus token, got %d", resp.StatusCode)
	}
	if got := decodeJSON(t, resp)["code"]; got != CodeInvalidRefreshToken {
		t.Fatalf("expected %s, got %v", CodeInvalidRefreshToken, got)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	login := postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), nil)
	tokens := decodeJSON(t, login)["tokens"].(map[string]any)
	access := tokens["access_token"].(string)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	acct := body["account"].(map[string]any)
	if acct["email"] != "a@x.com" {
		t.Fatalf("unexpected account: %v", acct)
	}
	if expiresIn, ok := body["expires_in"].(float64); !ok || expiresIn <= 0 {
		t.Fatalf("expected positive expires_in, got %v", body["expires_in"])
	}
}

func TestLogoutEndpointRevokesRefresh(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	login := postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), nil)
	tokens := decodeJSON(t, login)["tokens"].(map[string]any)
	access := tokens["access_token"].(string)
	refreshToken := tokens["refresh_token"].(string)

	resp := postJSON(t, srv.URL+"/auth/logout", "{}", map[string]string{"Authorization": "Bearer " + access})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/auth/refresh", fmt.Sprintf(`{"refresh_token":"%s"}`, refreshToken), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	srv, _ := newAuthServer(t, 100)

	login := postJSON(t, srv.URL+"/auth/login", loginBody(testPassword), nil)
	tokens := decodeJSON(t, login)["tokens"].(map[string]any)
	access := tokens["access_token"].(string)
	authz := map[string]string{"Authorization": "Bearer " + access}

	resp := postJSON(t, srv.URL+"/auth/change-password",
		`{"current_password":"wrong","new_password":"next-password-1"}`, authz)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong current password, got %d", resp.StatusCode)
	}
	if got := decodeJSON(t, resp)["code"]; got != CodeInvalidCurrentPass {
		t.Fatalf("expected %s, got %v", CodeInvalidCurrentPass, got)
	}

	resp = postJSON(t, srv.URL+"/auth/change-password",
		fmt.Sprintf(`{"current_password":"%s","new_password":"short"}`, testPassword), authz)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for short new password, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/auth/change-password",
		fmt.Sprintf(`{"current_password":"%s","new_password":"next-password-1"}`, testPassword), authz)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/auth/login", loginBody("next-password-1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected login with new password, got %d", resp.StatusCode)
	}
}
