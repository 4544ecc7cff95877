package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nklact/norma-identity/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionValidator  middleware.SessionValidator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	MetricsHandler    http.Handler
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// セッション管理
	SessionService SessionServiceInterface

	// 試用・状態
	TrialService  TrialServiceInterface
	SessionOpener SessionOpenerInterface
	TrialQuota    int64

	// チャット
	ChatService ChatServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Fingerprint →
//	  （認証不要ルート: RateLimit(Login)） / （認証必須ルート: Auth）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewFingerprintMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	sessionHandler := NewSessionHandler(deps.SessionService)
	trialHandler := NewTrialHandler(deps.TrialService, deps.SessionOpener, deps.TrialQuota)
	chatHandler := NewChatHandler(deps.ChatService)

	// --- 認証不要のルート ---

	r.Get("/healthz", healthCheck)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// ログイン・登録はクライアントごとのレート制限の対象
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.LoginMiddleware())

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/trial/start", trialHandler.Start)
	})

	// OAuthフロー（プロバイダーへのリダイレクトとコールバック）
	r.Route("/auth/google", func(r chi.Router) {
		r.Get("/", authHandler.GoogleLogin)
		r.With(deps.RateLimiter.LoginMiddleware()).Get("/callback", authHandler.GoogleCallback)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.SessionValidator))

		// 現在のセッションの失効
		r.Post("/auth/logout", sessionHandler.Logout)

		// セッション管理
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.List)
			r.Post("/revoke", sessionHandler.Revoke)
			r.Post("/revoke-all", sessionHandler.RevokeAll)
		})

		// ユーザー状態
		r.Get("/user-status", trialHandler.UserStatus)

		// チャット管理
		r.Route("/api/chats", func(r chi.Router) {
			r.Post("/", chatHandler.Create)
			r.Get("/", chatHandler.List)
		})
		r.Post("/api/messages", chatHandler.SendMessage)

		// アカウント削除
		r.Delete("/api/users/me", authHandler.DeleteAccount)
	})

	return r
}

// healthCheck はサービスの死活確認に応答する。
// GET /healthz
func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
