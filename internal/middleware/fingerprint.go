package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nklact/norma-identity/internal/fingerprint"
)

// FingerprintHeader はクライアントがデバイスフィンガープリントを送るヘッダー。
const FingerprintHeader = "X-Device-Fingerprint"

// DeviceSessionHeader はアプリインスタンスごとのセッションIDを送るヘッダー。
const DeviceSessionHeader = "X-Device-Session-Id"

var fingerprintContextKey = contextKey("device_fingerprint")
var deviceSessionContextKey = contextKey("device_session_id")

// NewFingerprintMiddleware はデバイス識別ヘッダーをコンテキストに注入する
// ミドルウェアを返す。
// 形式が不正なフィンガープリントは欠落として扱い、リクエストは通す
// （フィンガープリントなしは一時アイデンティティへの縮退であり、拒否理由にならない）。
func NewFingerprintMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if value := r.Header.Get(FingerprintHeader); value != "" {
				if fingerprint.IsValid(value) {
					ctx = context.WithValue(ctx, fingerprintContextKey, value)
				} else {
					slog.Warn("malformed device fingerprint header",
						slog.Int("length", len(value)))
				}
			}

			if value := r.Header.Get(DeviceSessionHeader); value != "" {
				ctx = context.WithValue(ctx, deviceSessionContextKey, value)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FingerprintFromContext はコンテキストからフィンガープリントを取得する。
// ヘッダーがない、または不正だった場合は空文字列を返す。
func FingerprintFromContext(ctx context.Context) string {
	value, _ := ctx.Value(fingerprintContextKey).(string)
	return value
}

// DeviceSessionFromContext はコンテキストからデバイスセッションIDを取得する。
func DeviceSessionFromContext(ctx context.Context) string {
	value, _ := ctx.Value(deviceSessionContextKey).(string)
	return value
}
