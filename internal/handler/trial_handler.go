package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nklact/norma-identity/internal/fingerprint"
	"github.com/nklact/norma-identity/internal/middleware"
	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/session"
)

// TrialServiceInterface は試用ハンドラーが必要とするサービスインターフェース。
type TrialServiceInterface interface {
	// ResolveOrCreateTrial はフィンガープリントに対応する試用アイデンティティを返す。
	ResolveOrCreateTrial(ctx context.Context, fp string) (*model.Identity, error)
	// Status はアイデンティティの現在の状態を返す。
	Status(ctx context.Context, identityID string) (*model.Identity, error)
}

// SessionOpenerInterface は試用アイデンティティのセッション開設を行う。
type SessionOpenerInterface interface {
	Open(ctx context.Context, identityID string, device model.DeviceInfo, ip string) (*session.OpenResult, error)
}

// TrialHandler は試用アイデンティティのHTTPハンドラー。
type TrialHandler struct {
	service    TrialServiceInterface
	sessions   SessionOpenerInterface
	trialQuota int64
}

// NewTrialHandler はTrialHandlerを生成する。
func NewTrialHandler(service TrialServiceInterface, sessions SessionOpenerInterface, trialQuota int64) *TrialHandler {
	return &TrialHandler{
		service:    service,
		sessions:   sessions,
		trialQuota: trialQuota,
	}
}

// --- リクエスト・レスポンス型 ---

// trialStartRequest は試用開始リクエストのボディ。
// フィンガープリントはX-Device-Fingerprintヘッダーでも指定できる。
type trialStartRequest struct {
	Fingerprint string           `json:"fingerprint"`
	Device      model.DeviceInfo `json:"device"`
}

// trialStartResponse は試用開始のレスポンス。
// Persistedがfalseの場合はフィンガープリントが得られず、
// 永続化されない1回限りの匿名枠を表す（トークンは発行されない）。
type trialStartResponse struct {
	Identity  identityResponse `json:"identity"`
	Token     string           `json:"token,omitempty"`
	Persisted bool             `json:"persisted"`
}

// Start は試用アイデンティティを解決または作成し、セッションを開設する。
// フィンガープリントがない場合は失敗させず、永続化されない匿名枠に縮退する。
// POST /trial/start
func (h *TrialHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req trialStartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, model.NewValidationError("リクエストボディの解析に失敗しました"))
			return
		}
	}

	fp := req.Fingerprint
	if fp == "" {
		fp = middleware.FingerprintFromContext(r.Context())
	}
	if fp != "" && !fingerprint.IsValid(fp) {
		fp = ""
	}

	if fp == "" {
		// 匿名枠への縮退。アイデンティティは永続化されない。
		quota := h.trialQuota
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(trialStartResponse{
			Identity: identityResponse{
				Kind:           string(model.IdentityKindTrial),
				Tier:           "anonymous",
				QuotaRemaining: &quota,
			},
			Persisted: false,
		})
		return
	}

	ident, err := h.service.ResolveOrCreateTrial(r.Context(), fp)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	opened, err := h.sessions.Open(r.Context(), ident.ID, deviceFromRequest(r, req.Device), clientIP(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trialStartResponse{
		Identity:  toIdentityResponse(ident),
		Token:     opened.RawToken,
		Persisted: true,
	})
}

// userStatusResponse はユーザー状態のレスポンス。
type userStatusResponse struct {
	IdentityID     string `json:"identity_id"`
	Kind           string `json:"kind"`
	QuotaRemaining *int64 `json:"quota_remaining"` // nullは無制限
	Tier           string `json:"tier"`
	Status         string `json:"status"`
}

// UserStatus は認証済みアイデンティティの現在の状態を返す。
// GET /user-status
func (h *TrialHandler) UserStatus(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	ident, err := h.service.Status(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(userStatusResponse{
		IdentityID:     ident.ID,
		Kind:           string(ident.Kind),
		QuotaRemaining: ident.QuotaRemaining,
		Tier:           ident.Tier,
		Status:         string(ident.Status),
	})
}
