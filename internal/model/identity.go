// Package model はドメインモデルを定義する。
package model

import "time"

// IdentityKind はアイデンティティの種別を表す。
type IdentityKind string

const (
	// IdentityKindTrial はデバイスフィンガープリントのみで追跡される
	// 未認証の試用アイデンティティ。
	IdentityKindTrial IdentityKind = "trial"
	// IdentityKindRegistered は検証済みクレデンシャルに紐付いた
	// 登録済みアイデンティティ。
	IdentityKindRegistered IdentityKind = "registered"
)

// IdentityStatus はアカウントの状態を表す。
type IdentityStatus string

const (
	// IdentityStatusActive は通常の有効状態。
	IdentityStatusActive IdentityStatus = "active"
	// IdentityStatusGraceDeleted は削除リクエスト後の猶予期間中の状態。
	// 猶予期間内の再ログインで復元され、経過後にスイープで物理削除される。
	IdentityStatusGraceDeleted IdentityStatus = "grace_deleted"
)

// Identity は試用・登録を問わずサービス利用主体を表す。
// trial→registeredの昇格はIDを変えずにその場（in place）で行われるため、
// 所有リソースの外部キーはマージをまたいで常に有効である。
type Identity struct {
	ID                 string
	Kind               IdentityKind
	Email              string // 未設定の場合は空
	AuthProvider       string // "google" 等。パスワードアカウント・trialでは空
	AuthProviderUserID string // 外部IdPのsubject ID。マージの冪等キーを兼ねる
	DeviceFingerprint  string // trialのみ。昇格時にクリアされる
	PasswordHash       string // パスワードアカウントのみ
	QuotaRemaining     *int64 // 残りメッセージ数。nilは無制限を表す
	Tier               string
	Status             IdentityStatus
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsLinked はこのアイデンティティが何らかのクレデンシャル
// （外部IdPまたはパスワード）に紐付いているかを返す。
func (i *Identity) IsLinked() bool {
	return i.AuthProvider != "" || i.PasswordHash != ""
}

// HasUnlimitedQuota はクォータが無制限かを返す。
func (i *Identity) HasUnlimitedQuota() bool {
	return i.QuotaRemaining == nil
}
