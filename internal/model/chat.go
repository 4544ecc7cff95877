package model

import "time"

// Chat はアイデンティティが所有するチャットを表す。
// owner_identity_idは常に生きたIdentityを参照する（マージ後もnullにならない）。
// IdempotencyKeyはクライアントが楽観的作成の重複排除のために付与するキーで、
// 同一所有者・同一キーの作成リクエストは同じチャットを返す。
type Chat struct {
	ID              string
	OwnerIdentityID string
	Title           string
	IdempotencyKey  string // 未指定の場合は空
	CreatedAt       time.Time
}

// MessageRole はメッセージの発話者区分を表す。
type MessageRole string

const (
	// MessageRoleUser はユーザー発話。クォータ消費の対象。
	MessageRoleUser MessageRole = "user"
	// MessageRoleAssistant はアシスタント応答。
	MessageRoleAssistant MessageRole = "assistant"
)

// Message はチャット内の1メッセージを表す。
type Message struct {
	ID        string
	ChatID    string
	Role      MessageRole
	Content   string
	CreatedAt time.Time
}
