package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret"

var testAuth = AuthConfig{Secret: testSecret, Issuer: "r2v-backend", Audience: "r2v-client"}

func signed(t *testing.T, claims TokenClaims) string {
	t.Helper()
	token, err := SignJWT(testSecret, claims)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	return token
}

func validClaims() TokenClaims {
	return TokenClaims{
		Sub:      "8a3c6f9e-8d8f-4a4e-9a55-0c55d2e0f4f1",
		Role:     RoleAdmin,
		Type:     TokenTypeAccess,
		Exp:      time.Now().Add(time.Hour).Unix(),
		Issuer:   "r2v-backend",
		Audience: "r2v-client",
	}
}

func TestAuthJWTAcceptsAccessToken(t *testing.T) {
	var gotUser string
	var admin bool
	handler := AuthJWT(testAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		admin = IsAdmin(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/ai/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, validClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if gotUser != "8a3c6f9e-8d8f-4a4e-9a55-0c55d2e0f4f1" || !admin {
		t.Fatalf("user = %q admin = %v", gotUser, admin)
	}
}

func TestAuthJWTRejections(t *testing.T) {
	mutate := func(fn func(*TokenClaims)) string {
		c := validClaims()
		fn(&c)
		return signed(t, c)
	}
	tests := []struct {
		name   string
		header string
		detail string
	}{
		{"missing header", "", "Missing bearer token"},
		{"wrong scheme", "Basic abc", "Invalid authorization header"},
		{"refresh token", "Bearer " + mutate(func(c *TokenClaims) { c.Type = "refresh" }), "Invalid token"},
		{"wrong issuer", "Bearer " + mutate(func(c *TokenClaims) { c.Issuer = "other" }), "Invalid token"},
		{"wrong audience", "Bearer " + mutate(func(c *TokenClaims) { c.Audience = "other" }), "Invalid token"},
		{"expired", "Bearer " + mutate(func(c *TokenClaims) { c.Exp = time.Now().Add(-time.Minute).Unix() }), "Token expired"},
		{"bad signature", "Bearer " + signed(t, validClaims()) + "x", "Invalid token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			handler := AuthJWT(testAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized || called {
				t.Fatalf("status = %d called = %v", rec.Code, called)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != "unauthorized" || body["detail"] != tc.detail {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestResolveCountry(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *http.Request)
		resolver CountryLookup
		want     string
	}{
		{
			name: "edge header wins",
			setup: func(r *http.Request) {
				r.Header.Set("CF-IPCountry", "de")
			},
			resolver: func(string) (string, error) { return "US", nil },
			want:     "DE",
		},
		{
			name: "geoip lookup on forwarded ip",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "203.0.113.7")
			},
			resolver: func(ip string) (string, error) {
				if ip != "203.0.113.7" {
					return "", assertError("unexpected ip " + ip)
				}
				return "id", nil
			},
			want: "ID",
		},
		{
			name:     "lookup error yields empty",
			resolver: func(string) (string, error) { return "", assertError("no db") },
			want:     "",
		},
		{
			name: "no resolver",
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.setup != nil {
				tc.setup(req)
			}
			if got := ResolveCountry(req, tc.resolver); got != tc.want {
				t.Fatalf("ResolveCountry() = %q, want %q", got, tc.want)
			}
		})
	}
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestGeoStoresCountry(t *testing.T) {
	var got string
	handler := Geo(func(string) (string, error) { return "fr", nil })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CountryFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "FR" {
		t.Fatalf("country = %q", got)
	}
}

func TestRequestIDPropagatesOrMints(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("request id = %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "bad id\n")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) != 36 {
		t.Fatalf("expected minted uuid, got %q", seen)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("preflight reached handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/ai/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Fatalf("allow headers = %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}
