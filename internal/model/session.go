package model

import "time"

// DeviceInfo はセッションに紐付くクライアントデバイス情報を表す。
// DeviceSessionIDはアプリインスタンスごとに安定なUUIDで、
// トークンリフレッシュをまたいで同一デバイスのセッションを特定するために使う。
type DeviceInfo struct {
	DeviceSessionID string `json:"session_id,omitempty"`
	Name            string `json:"name,omitempty"`
	OS              string `json:"os,omitempty"`
	Browser         string `json:"browser,omitempty"`
	AppVersion      string `json:"app_version,omitempty"`
}

// Session はログインセッションを表す。
// 生のベアラートークンは保存せず、SHA-256ハッシュのみを保持する。
// 状態遷移は created→active→{revoked|expired} で、終端状態から戻ることはない。
// expiredは読み取り時に expires_at < now() で判定される計算上の状態であり、
// revokedは明示的かつ永続的なフラグである。
type Session struct {
	ID         string
	IdentityID string
	TokenHash  string
	DeviceInfo DeviceInfo
	IP         string // 不明な場合は空
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
	Revoked    bool
}

// IsActive は指定時刻においてセッションが有効かを返す。
func (s *Session) IsActive(now time.Time) bool {
	return !s.Revoked && s.ExpiresAt.After(now)
}
