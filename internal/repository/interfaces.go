// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/nklact/norma-identity/internal/model"
)

// PromoteParams はtrial→registered昇格時に設定するフィールドをまとめる。
type PromoteParams struct {
	Email          string
	Provider       string // パスワードアカウントの場合は空
	ProviderUserID string
	PasswordHash   string
	Quota          int64
	Tier           string
}

// RegisterParams は登録済みアイデンティティの新規作成パラメータ。
type RegisterParams struct {
	Email          string
	Provider       string
	ProviderUserID string
	PasswordHash   string
	Quota          int64
	Tier           string
}

// IdentityTxOps はアイデンティティ解決トランザクション内で使用する操作集合。
// 優先順位マッチングのポリシーをストレージエンジンから独立して
// ユニットテストできるようにするための抽象化。
type IdentityTxOps interface {
	// FindByProviderSubject は(auth_provider, auth_provider_user_id)で検索する。
	// 見つからない場合はnilを返す。冪等チェックに使用する。
	FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// FindTrialByFingerprintForUpdate は未リンクのtrialアイデンティティのうち
	// フィンガープリントが一致する最新の1件を行ロック付きで取得する。
	// 見つからない場合はnilを返す。
	FindTrialByFingerprintForUpdate(ctx context.Context, fingerprint string) (*model.Identity, error)

	// FindUnlinkedByEmailForUpdate はメールが一致し未リンクの
	// アイデンティティを行ロック付きで取得する。見つからない場合はnilを返す。
	// パスワードアカウントへの後付けOAuthリンクを支える。
	FindUnlinkedByEmailForUpdate(ctx context.Context, email string) (*model.Identity, error)

	// Promote は指定アイデンティティをin placeでregisteredに昇格する。
	// idは変更されず、device_fingerprintはクリアされ、クォータはリセットされる。
	Promote(ctx context.Context, id string, p PromoteParams) (*model.Identity, error)

	// CreateRegistered は登録済みアイデンティティを新規作成する。
	CreateRegistered(ctx context.Context, p RegisterParams) (*model.Identity, error)

	// Restore は猶予期間中の論理削除アイデンティティをactiveに復元する。
	Restore(ctx context.Context, id string) error
}

// IdentityRepository はアイデンティティデータの永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのアイデンティティを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByProviderSubject は(auth_provider, auth_provider_user_id)で検索する。
	// 見つからない場合はnilを返す。
	FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// FindByEmail はメールアドレスで検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)

	// FindTrialByFingerprint は未リンクのtrialアイデンティティのうち
	// フィンガープリントが一致する最新の1件を取得する。見つからない場合はnilを返す。
	FindTrialByFingerprint(ctx context.Context, fingerprint string) (*model.Identity, error)

	// CreateTrial は指定フィンガープリントのtrialアイデンティティを作成する。
	// 並行作成と競合した場合は既存の行を返す。
	CreateTrial(ctx context.Context, fingerprint string, quota int64) (*model.Identity, error)

	// ConsumeQuota はクォータをアトミックにn減算する。
	// quota_remainingがNULL（無制限）の場合は減算せず成功扱いになる。
	// 残量不足または対象行なしの場合はok=falseを返し、残量は変更されない。
	ConsumeQuota(ctx context.Context, id string, n int64) (remaining *int64, ok bool, err error)

	// SoftDelete はアイデンティティを論理削除（grace_deleted）にする。
	SoftDelete(ctx context.Context, id string) error

	// Restore は猶予期間中の論理削除アイデンティティをactiveに復元する。
	Restore(ctx context.Context, id string) error

	// HardDelete はアイデンティティ行を物理削除する。
	// 所有チャットが残っている場合は外部キー制約により失敗する。
	HardDelete(ctx context.Context, id string) (bool, error)

	// DeleteExpiredGrace は猶予期間を経過した論理削除アイデンティティを
	// 所有リソースごと物理削除し、削除件数を返す。
	DeleteExpiredGrace(ctx context.Context, gracePeriod time.Duration) (int64, error)

	// InTx はアイデンティティ解決用の操作集合を1つのトランザクションで実行する。
	// fnがエラーを返した場合はロールバックする。
	InTx(ctx context.Context, fn func(tx IdentityTxOps) error) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// 有効セッションの判定は常に revoked = false AND expires_at > now() で行い、
// スイープの実行状況には依存しない。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindActiveAndTouch は有効なセッションをトークンハッシュで検索し、
	// 同一ステートメントでlast_seen_atを更新する。
	// 有効なセッションがない場合はnilを返す。
	FindActiveAndTouch(ctx context.Context, tokenHash string) (*model.Session, error)

	// FindActiveByDeviceSession は同一デバイスセッションIDの有効セッションを
	// last_seen_at降順で1件取得する。トークンリフレッシュ時の再利用に使う。
	FindActiveByDeviceSession(ctx context.Context, identityID, deviceSessionID string) (*model.Session, error)

	// UpdateToken はセッションのトークンハッシュと有効期限を差し替える。
	UpdateToken(ctx context.Context, sessionID, tokenHash string, expiresAt time.Time, deviceInfo model.DeviceInfo) error

	// ListActiveByIdentity は有効セッションをlast_seen_at降順で返す。
	ListActiveByIdentity(ctx context.Context, identityID string) ([]*model.Session, error)

	// RevokeBeyond は有効セッションのうちlast_seen_atが新しい順にkeep件を残し、
	// 残りをrevokeする。revokeした件数を返す。
	RevokeBeyond(ctx context.Context, identityID string, keep int) (int64, error)

	// Revoke は指定アイデンティティの指定セッションをrevokeする。
	// 対象が存在し実際にrevokeした場合にtrueを返す。
	Revoke(ctx context.Context, identityID, sessionID string) (bool, error)

	// RevokeAllExcept は指定トークンハッシュ以外の全セッションをrevokeする。
	// keepTokenHashが空の場合は全セッションをrevokeする。revokeした件数を返す。
	RevokeAllExcept(ctx context.Context, identityID, keepTokenHash string) (int64, error)

	// MarkExpiredRevoked は期限切れセッションをrevoked=trueに揃える。冪等。
	MarkExpiredRevoked(ctx context.Context) (int64, error)

	// DeleteStale は保持期間を過ぎたセッション行を物理削除する。
	// 期限切れ、revoke後7日経過、または90日間未使用の行が対象。
	DeleteStale(ctx context.Context) (int64, error)
}

// ChatRepository はチャットデータの永続化インターフェース。
type ChatRepository interface {
	// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Chat, error)

	// FindByIdempotencyKey は所有者と重複排除キーでチャットを検索する。
	// 見つからない場合はnilを返す。
	FindByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Chat, error)

	// CreateWithFirstMessage はチャットと最初のメッセージを
	// 同一トランザクションで作成する。部分的な状態は残らない。
	// 重複排除キーが衝突した場合は既存のチャットを返す。
	CreateWithFirstMessage(ctx context.Context, chat *model.Chat, msg *model.Message) (*model.Chat, error)

	// ListByOwner は所有チャットを作成日時降順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Chat, error)

	// CreateMessage はメッセージを作成する。
	CreateMessage(ctx context.Context, msg *model.Message) error

	// ReassignOwner は所有チャット全件の所有者を付け替え、件数を返す。
	// 単一UPDATEで行うため部分的な付け替えは起こらない。
	ReassignOwner(ctx context.Context, fromID, toID string) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
