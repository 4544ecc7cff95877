// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/nklact/norma-identity/internal/auth"
	"github.com/nklact/norma-identity/internal/middleware"
	"github.com/nklact/norma-identity/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleOAuthCallback(ctx context.Context, code, fingerprint string, device model.DeviceInfo, ip string) (*auth.LoginResult, error)
	RegisterPassword(ctx context.Context, email, password, fingerprint string, device model.DeviceInfo, ip string) (*auth.LoginResult, error)
	LoginPassword(ctx context.Context, email, password, fingerprint string, device model.DeviceInfo, ip string) (*auth.LoginResult, error)
	DeleteAccount(ctx context.Context, identityID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// --- リクエスト・レスポンス型 ---

// credentialsRequest はパスワード登録・ログインのリクエストボディ。
type credentialsRequest struct {
	Email    string           `json:"email"`
	Password string           `json:"password"`
	Device   model.DeviceInfo `json:"device"`
}

// identityResponse はアイデンティティのレスポンス表現。
type identityResponse struct {
	ID             string `json:"identity_id"`
	Kind           string `json:"kind"`
	Email          string `json:"email,omitempty"`
	Tier           string `json:"tier"`
	QuotaRemaining *int64 `json:"quota_remaining"` // nullは無制限
}

// loginResponse はログイン・登録のレスポンス。
type loginResponse struct {
	Token           string           `json:"token"`
	Identity        identityResponse `json:"identity"`
	Merged          bool             `json:"merged"`
	Restored        bool             `json:"restored"`
	MigratedFromID  string           `json:"migrated_from_id,omitempty"`
	RevokedSessions int64            `json:"revoked_sessions,omitempty"`
	ExpiresAt       string           `json:"expires_at"`
}

func toIdentityResponse(ident *model.Identity) identityResponse {
	return identityResponse{
		ID:             ident.ID,
		Kind:           string(ident.Kind),
		Email:          ident.Email,
		Tier:           ident.Tier,
		QuotaRemaining: ident.QuotaRemaining,
	}
}

func writeLoginResponse(w http.ResponseWriter, statusCode int, result *auth.LoginResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(loginResponse{
		Token:           result.Token,
		Identity:        toIdentityResponse(result.Identity),
		Merged:          result.Merged,
		Restored:        result.Restored,
		MigratedFromID:  result.MigratedFromID,
		RevokedSessions: result.RevokedSessions,
		ExpiresAt:       result.Session.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// deviceFromRequest はボディのデバイス情報にヘッダーのデバイスセッションIDを重ねる。
func deviceFromRequest(r *http.Request, device model.DeviceInfo) model.DeviceInfo {
	if ds := middleware.DeviceSessionFromContext(r.Context()); ds != "" {
		device.DeviceSessionID = ds
	}
	return device
}

// clientIP は接続元IPアドレスを返す。取得できない場合は空文字列。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Register はメールアドレスとパスワードで新規登録する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	fingerprint := middleware.FingerprintFromContext(r.Context())
	result, err := h.service.RegisterPassword(r.Context(), req.Email, req.Password, fingerprint, deviceFromRequest(r, req.Device), clientIP(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeLoginResponse(w, http.StatusCreated, result)
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	fingerprint := middleware.FingerprintFromContext(r.Context())
	result, err := h.service.LoginPassword(r.Context(), req.Email, req.Password, fingerprint, deviceFromRequest(r, req.Device), clientIP(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeLoginResponse(w, http.StatusOK, result)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理し、ベアラートークンをJSONで返す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		middleware.WriteError(w, model.NewValidationError("stateパラメータが不正です"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteError(w, model.NewValidationError("認可コードがありません"))
		return
	}

	fingerprint := middleware.FingerprintFromContext(r.Context())
	device := deviceFromRequest(r, model.DeviceInfo{})
	result, err := h.service.HandleOAuthCallback(r.Context(), code, fingerprint, device, clientIP(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeLoginResponse(w, http.StatusOK, result)
}

// DeleteAccount はアカウントを論理削除する。猶予期間内の再ログインで復元できる。
// DELETE /api/users/me
func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	if err := h.service.DeleteAccount(r.Context(), identityID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// APIError以外のエラーは詳細をログに残し、500として返す。
func handleServiceError(w http.ResponseWriter, err error) {
	slog.Debug("service error", slog.String("error", err.Error()))
	middleware.WriteError(w, err)
}
