package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nklact/norma-identity/internal/chat"
	"github.com/nklact/norma-identity/internal/middleware"
	"github.com/nklact/norma-identity/internal/model"
)

// ChatServiceInterface はチャットハンドラーが必要とするサービスインターフェース。
type ChatServiceInterface interface {
	// Create はチャットと最初のメッセージを作成する。
	Create(ctx context.Context, ownerID, title, idempotencyKey, firstMessage string) (*chat.CreateResult, error)
	// SendMessage は既存チャットにメッセージを追加する。
	SendMessage(ctx context.Context, ownerID, chatID, content string) (*model.Message, *int64, error)
	// List は所有チャットを作成日時降順で返す。
	List(ctx context.Context, ownerID string) ([]*model.Chat, error)
}

// ChatHandler はチャット管理のHTTPハンドラー。
type ChatHandler struct {
	service ChatServiceInterface
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface) *ChatHandler {
	return &ChatHandler{
		service: service,
	}
}

// --- リクエスト・レスポンス型 ---

// chatCreateRequest はチャット作成リクエストのボディ。
type chatCreateRequest struct {
	Title          string `json:"title"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Message        string `json:"message"`
}

// chatResponse はチャットのレスポンス表現。
type chatResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// chatCreateResponse はチャット作成のレスポンス。
type chatCreateResponse struct {
	Chat           chatResponse `json:"chat"`
	QuotaRemaining *int64       `json:"quota_remaining"` // nullは無制限
	Deduplicated   bool         `json:"deduplicated"`
}

// chatListResponse はチャット一覧のレスポンス。
type chatListResponse struct {
	Chats []chatResponse `json:"chats"`
}

// messageRequest はメッセージ送信リクエストのボディ。
type messageRequest struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// messageResponse はメッセージ送信のレスポンス。
type messageResponse struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chat_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	QuotaRemaining *int64    `json:"quota_remaining"` // nullは無制限
}

func toChatResponse(c *model.Chat) chatResponse {
	return chatResponse{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
	}
}

// Create はチャットと最初のメッセージを作成する。
// 同一idempotency_keyの再送は既存チャットを返し、クォータは再消費されない。
// POST /api/chats
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	var req chatCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	result, err := h.service.Create(r.Context(), ownerID, req.Title, req.IdempotencyKey, req.Message)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(chatCreateResponse{
		Chat:           toChatResponse(result.Chat),
		QuotaRemaining: result.QuotaRemaining,
		Deduplicated:   result.Deduplicated,
	})
}

// List は所有チャットの一覧を返す。
// GET /api/chats
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	chats, err := h.service.List(r.Context(), ownerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := chatListResponse{Chats: make([]chatResponse, 0, len(chats))}
	for _, c := range chats {
		resp.Chats = append(resp.Chats, toChatResponse(c))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SendMessage は既存チャットにメッセージを追加する。
// POST /api/messages
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewAuthRequiredError())
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.ChatID == "" {
		middleware.WriteError(w, model.NewValidationError("chat_idが必要です"))
		return
	}

	msg, remaining, err := h.service.SendMessage(r.Context(), ownerID, req.ChatID, req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(messageResponse{
		ID:             msg.ID,
		ChatID:         msg.ChatID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		QuotaRemaining: remaining,
	})
}
