package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// TokenClaims is the HS256 access-token payload issued by the auth service.
type TokenClaims struct {
	Sub      string `json:"sub"`
	Role     string `json:"role,omitempty"`
	Type     string `json:"type"`
	Exp      int64  `json:"exp"`
	Iat      int64  `json:"iat,omitempty"`
	Issuer   string `json:"iss"`
	Audience string `json:"aud"`
}

const (
	TokenTypeAccess = "access"
	RoleAdmin       = "admin"
)

// AuthConfig selects the secret and the expected iss/aud. Empty Issuer or
// Audience skips that check.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type userKey string

const (
	userIDKey userKey = "user_id"
	roleKey   userKey = "role"
)

var (
	errInvalidToken = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
)

func SignJWT(secret string, claims TokenClaims) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	data := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	return data + "." + hmacSign(secret, data), nil
}

func hmacSign(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyJWT checks signature, algorithm, expiry, token type and the
// configured issuer and audience.
func VerifyJWT(cfg AuthConfig, token string, now time.Time) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errInvalidToken
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header.Alg != "HS256" {
		return nil, errInvalidToken
	}
	expected := hmacSign(cfg.Secret, parts[0]+"."+parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, errors.New("invalid signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errInvalidToken
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errInvalidToken
	}
	if claims.Exp != 0 && now.Unix() > claims.Exp {
		return nil, errTokenExpired
	}
	if claims.Type != TokenTypeAccess {
		return nil, errors.New("not an access token")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, errors.New("unexpected issuer")
	}
	if cfg.Audience != "" && claims.Audience != cfg.Audience {
		return nil, errors.New("unexpected audience")
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return nil, errors.New("missing subject")
	}
	return &claims, nil
}

func AuthJWT(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token")
				return
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization header")
				return
			}
			claims, err := VerifyJWT(cfg, strings.TrimSpace(token), time.Now())
			if err != nil {
				detail := "Invalid token"
				if errors.Is(err, errTokenExpired) {
					detail = "Token expired"
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", detail)
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, claims.Sub)
			ctx = context.WithValue(ctx, roleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return ""
}

// IsAdmin reports whether the caller carries the admin role.
func IsAdmin(ctx context.Context) bool {
	return RoleFromContext(ctx) == RoleAdmin
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if strings.TrimSpace(userID) == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func ContextWithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// writeError renders the shared {"error","detail"} body.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "detail": detail})
}
