package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nklact/norma-identity/internal/model"
)

// --- モック ---

type mockValidator struct {
	validateFn func(ctx context.Context, rawToken string) (*model.Session, error)
}

func (m *mockValidator) Validate(ctx context.Context, rawToken string) (*model.Session, error) {
	return m.validateFn(ctx, rawToken)
}

// --- テスト ---

// TestAuthMiddleware_ValidToken は有効なトークンでコンテキストに
// アイデンティティが注入されることを検証する。
func TestAuthMiddleware_ValidToken(t *testing.T) {
	validator := &mockValidator{
		validateFn: func(ctx context.Context, rawToken string) (*model.Session, error) {
			if rawToken != "valid-token" {
				t.Errorf("rawToken = %q, want valid-token", rawToken)
			}
			return &model.Session{ID: "session-1", IdentityID: "identity-1"}, nil
		},
	}

	var gotIdentityID, gotRawToken string
	handler := NewAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentityID, _ = IdentityIDFromContext(r.Context())
		gotRawToken, _ = RawTokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if gotIdentityID != "identity-1" {
		t.Errorf("identity ID = %q, want identity-1", gotIdentityID)
	}
	if gotRawToken != "valid-token" {
		t.Errorf("raw token = %q, want valid-token", gotRawToken)
	}
}

// TestAuthMiddleware_MissingHeader はヘッダーなしで401が返ることを検証する。
func TestAuthMiddleware_MissingHeader(t *testing.T) {
	validator := &mockValidator{
		validateFn: func(ctx context.Context, rawToken string) (*model.Session, error) {
			t.Fatal("validator must not be called without a token")
			return nil, nil
		},
	}

	handler := NewAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Code != model.ErrCodeAuthRequired {
		t.Errorf("code = %q, want AUTH_REQUIRED", body.Code)
	}
}

// TestAuthMiddleware_RevokedToken は失効済みトークンで401が返ることを検証する。
func TestAuthMiddleware_RevokedToken(t *testing.T) {
	validator := &mockValidator{
		validateFn: func(ctx context.Context, rawToken string) (*model.Session, error) {
			return nil, model.NewAuthRequiredError()
		},
	}

	handler := NewAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer revoked-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// TestBearerToken_Formats はAuthorizationヘッダーの解析を検証する。
func TestBearerToken_Formats(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"正しい形式", "Bearer abc123", "abc123"},
		{"ヘッダーなし", "", ""},
		{"Bearerプレフィックスなし", "abc123", ""},
		{"Basic認証", "Basic dXNlcjpwYXNz", ""},
		{"余分な空白", "Bearer   abc123", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(req); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
