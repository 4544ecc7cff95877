package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nklact/norma-identity/internal/middleware"
	"github.com/nklact/norma-identity/internal/model"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	// List は有効セッションをlast_seen_at降順で返す。
	List(ctx context.Context, identityID string) ([]*model.Session, error)
	// Revoke は自身の指定セッションを失効する。
	Revoke(ctx context.Context, identityID, sessionID string) error
	// RevokeAllExcept は指定トークンのセッション以外をすべて失効する。
	RevokeAllExcept(ctx context.Context, identityID, keepRawToken string) (int64, error)
}

// SessionHandler はセッション管理のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{
		service: service,
	}
}

// --- リクエスト・レスポンス型 ---

// sessionResponse はセッション一覧の1件分のレスポンス。
// トークンハッシュはレスポンスに含めない。
type sessionResponse struct {
	ID         string           `json:"id"`
	Device     model.DeviceInfo `json:"device"`
	IP         string           `json:"ip,omitempty"`
	Current    bool             `json:"current"`
	CreatedAt  time.Time        `json:"created_at"`
	LastSeenAt time.Time        `json:"last_seen_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// sessionListResponse はセッション一覧のレスポンス。
type sessionListResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

// revokeRequest はセッション失効リクエストのボディ。
type revokeRequest struct {
	SessionID string `json:"session_id"`
}

// revokeAllResponse は一括失効のレスポンス。
type revokeAllResponse struct {
	Revoked int64 `json:"revoked"`
}

// List は有効セッションの一覧を返す。
// GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	sessions, err := h.service.List(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 現在のセッションに印を付ける
	currentID := ""
	if current, err := middleware.SessionFromContext(r.Context()); err == nil {
		currentID = current.ID
	}

	resp := sessionListResponse{Sessions: make([]sessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse{
			ID:         s.ID,
			Device:     s.DeviceInfo,
			IP:         s.IP,
			Current:    s.ID == currentID,
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
			ExpiresAt:  s.ExpiresAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Logout は現在のセッションを失効する。
// POST /auth/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	if err := h.service.Revoke(r.Context(), identityID, session.ID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Revoke は指定セッションを失効する。
// POST /sessions/revoke
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		middleware.WriteError(w, model.NewValidationError("session_idが必要です"))
		return
	}

	if err := h.service.Revoke(r.Context(), identityID, req.SessionID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll は現在のセッション以外をすべて失効する。
// POST /sessions/revoke-all
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	// 現在のセッションは維持する
	keepToken, _ := middleware.RawTokenFromContext(r.Context())

	revoked, err := h.service.RevokeAllExcept(r.Context(), identityID, keepToken)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(revokeAllResponse{Revoked: revoked})
}
