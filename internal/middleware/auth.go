// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nklact/norma-identity/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	identityIDContextKey = contextKey("identity_id")
	sessionContextKey    = contextKey("session")
	rawTokenContextKey   = contextKey("raw_token")
)

// SessionValidator はベアラートークンの検証に必要なインターフェース。
// session.Registryの部分集合として定義する。
type SessionValidator interface {
	Validate(ctx context.Context, rawToken string) (*model.Session, error)
}

// BearerToken はAuthorizationヘッダーからベアラートークンを取り出す。
// ヘッダーがない、または形式が不正な場合は空文字列を返す。
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// NewAuthMiddleware はベアラートークンを検証するミドルウェアを返す。
// 検証と同時にセッションのlast_seen_atが更新される。
// 認証済みのアイデンティティIDとセッションをリクエストコンテキストに注入する。
// 無効・期限切れ・失効済みトークンには401を返す。
func NewAuthMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken := BearerToken(r)
			if rawToken == "" {
				WriteError(w, model.NewAuthRequiredError())
				return
			}

			session, err := validator.Validate(r.Context(), rawToken)
			if err != nil {
				if errors.Is(err, model.NewAuthRequiredError()) {
					WriteError(w, err)
					return
				}
				slog.Error("session validation failed",
					slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}

			ctx := context.WithValue(r.Context(), identityIDContextKey, session.IdentityID)
			ctx = context.WithValue(ctx, sessionContextKey, session)
			ctx = context.WithValue(ctx, rawTokenContextKey, rawToken)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityIDFromContext はリクエストコンテキストからアイデンティティIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityIDFromContext(ctx context.Context) (string, error) {
	identityID, ok := ctx.Value(identityIDContextKey).(string)
	if !ok || identityID == "" {
		return "", fmt.Errorf("identity ID not found in context")
	}
	return identityID, nil
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || session == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return session, nil
}

// RawTokenFromContext はリクエストコンテキストから生トークンを取得する。
// revoke-allで現在のセッションを除外するために使う。
func RawTokenFromContext(ctx context.Context) (string, error) {
	token, ok := ctx.Value(rawTokenContextKey).(string)
	if !ok || token == "" {
		return "", fmt.Errorf("token not found in context")
	}
	return token, nil
}

// ContextWithIdentity はコンテキストにアイデンティティIDとセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identityID string, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, identityIDContextKey, identityID)
	if session != nil {
		ctx = context.WithValue(ctx, sessionContextKey, session)
	}
	return ctx
}
