package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// accountEcho writes the account id the auth middleware resolved.
var accountEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(accountFrom(r.Context())))
})

var testKeys = map[string]string{"secret": "acct-a", "other-secret": "acct-b"}

// TestAuthMiddleware_Disabled verifies that when no API key is configured
// all requests pass through as the local account.
func TestAuthMiddleware_Disabled(t *testing.T) {
	t.Parallel()

	h := authMiddleware(nil, accountEcho)
	req := httptest.NewRequest(http.MethodGet, "/api/collections/x/documents", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when auth disabled, got %d", w.Code)
	}
	if w.Body.String() != LocalAccount {
		t.Errorf("expected account %q, got %q", LocalAccount, w.Body.String())
	}
}

// TestAuthMiddleware_MissingHeader verifies that a request with no
// Authorization header receives 401 when auth is enabled.
func TestAuthMiddleware_MissingHeader(t *testing.T) {
	t.Parallel()

	h := authMiddleware(testKeys, accountEcho)
	req := httptest.NewRequest(http.MethodGet, "/api/collections/x/documents", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header on 401")
	}
}

// TestAuthMiddleware_Tokens verifies token to account resolution.
func TestAuthMiddleware_Tokens(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		header      string
		wantCode    int
		wantAccount string
	}{
		{"first key", "Bearer secret", http.StatusOK, "acct-a"},
		{"second key", "Bearer other-secret", http.StatusOK, "acct-b"},
		{"lowercase scheme", "bearer secret", http.StatusOK, "acct-a"},
		{"wrong token", "Bearer wrong-token", http.StatusUnauthorized, ""},
		{"prefix of a key", "Bearer secre", http.StatusUnauthorized, ""},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
	}

	h := authMiddleware(testKeys, accountEcho)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
			req.Header.Set("Authorization", tc.header)
			w := httptest.NewRecorder()

			h.ServeHTTP(w, req)

			if w.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, w.Code)
			}
			if tc.wantCode == http.StatusOK && w.Body.String() != tc.wantAccount {
				t.Errorf("expected account %q, got %q", tc.wantAccount, w.Body.String())
			}
		})
	}
}

// TestParseAPIKeys verifies the account:key list parser.
func TestParseAPIKeys(t *testing.T) {
	t.Parallel()

	keys, err := ParseAPIKeys(" alice:k1 , bob:k2,, ")
	if err != nil {
		t.Fatalf("ParseAPIKeys: %v", err)
	}
	if len(keys) != 2 || keys["k1"] != "alice" || keys["k2"] != "bob" {
		t.Errorf("unexpected keys %v", keys)
	}

	empty, err := ParseAPIKeys("")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty spec = %v, %v", empty, err)
	}

	for _, bad := range []string{"nokey", "alice:", ":k1", "alice:k1,bob:k1"} {
		_, err := ParseAPIKeys(bad)
		if err == nil {
			t.Errorf("ParseAPIKeys(%q) expected error", bad)
			continue
		}
		if strings.Contains(err.Error(), "k1") {
			t.Errorf("error leaks the key: %v", err)
		}
	}
}

// TestBearerToken verifies the bearerToken extraction helper.
func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"Bearer mytoken", "mytoken"},
		{"bearer mytoken", "mytoken"},
		{"BEARER mytoken", "mytoken"},
		{"Bearer  spaced ", "spaced"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
		{"Bearer", ""},
		{"token only", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		got := bearerToken(req)
		if got != tc.want {
			t.Errorf("header=%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}
