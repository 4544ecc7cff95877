package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nklact/norma-identity/internal/model"
)

// identityColumns はidentitiesテーブルのSELECT列リスト。
const identityColumns = `id, kind, email, auth_provider, auth_provider_user_id,
	device_fingerprint, password_hash, quota_remaining, tier, status,
	deleted_at, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer は*sql.DBと*sql.Txの共通部分。
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanIdentity は1行をmodel.Identityに変換する。
func scanIdentity(row rowScanner) (*model.Identity, error) {
	var (
		ident          model.Identity
		email          sql.NullString
		provider       sql.NullString
		providerUserID sql.NullString
		fingerprint    sql.NullString
		passwordHash   sql.NullString
		quota          sql.NullInt64
		deletedAt      sql.NullTime
	)

	err := row.Scan(
		&ident.ID, &ident.Kind, &email, &provider, &providerUserID,
		&fingerprint, &passwordHash, &quota, &ident.Tier, &ident.Status,
		&deletedAt, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ident.Email = email.String
	ident.AuthProvider = provider.String
	ident.AuthProviderUserID = providerUserID.String
	// CHAR(64)列は空白パディングされ得るためトリムする
	ident.DeviceFingerprint = strings.TrimSpace(fingerprint.String)
	ident.PasswordHash = passwordHash.String
	if quota.Valid {
		v := quota.Int64
		ident.QuotaRemaining = &v
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		ident.DeletedAt = &t
	}

	return &ident, nil
}

// findIdentity は共通の単一行検索処理。見つからない場合はnilを返す。
func findIdentity(ctx context.Context, q queryer, where string, args ...any) (*model.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM identities WHERE %s`, identityColumns, where)
	ident, err := scanIdentity(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return ident, nil
}

// PostgresIdentityRepo はPostgreSQLを使用したアイデンティティリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByID は指定IDのアイデンティティを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	return findIdentity(ctx, r.db, `id = $1`, id)
}

// FindByProviderSubject は(auth_provider, auth_provider_user_id)で検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	return findIdentity(ctx, r.db, `auth_provider = $1 AND auth_provider_user_id = $2`, provider, providerUserID)
}

// FindByEmail はメールアドレスで検索する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	return findIdentity(ctx, r.db, `email = $1`, email)
}

// FindTrialByFingerprint は未リンクのtrialアイデンティティのうち
// フィンガープリントが一致する最新の1件を取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindTrialByFingerprint(ctx context.Context, fingerprint string) (*model.Identity, error) {
	return findIdentity(ctx, r.db,
		`device_fingerprint = $1 AND kind = 'trial' AND auth_provider IS NULL
		 ORDER BY created_at DESC LIMIT 1`, fingerprint)
}

// CreateTrial は指定フィンガープリントのtrialアイデンティティを作成する。
// 同一フィンガープリントのtrial行は複数存在し得る（解決時は最新を選ぶ）。
func (r *PostgresIdentityRepo) CreateTrial(ctx context.Context, fingerprint string, quota int64) (*model.Identity, error) {
	query := fmt.Sprintf(
		`INSERT INTO identities (kind, device_fingerprint, quota_remaining, tier)
		 VALUES ('trial', $1, $2, 'trial')
		 RETURNING %s`, identityColumns)

	ident, err := scanIdentity(r.db.QueryRowContext(ctx, query, fingerprint, quota))
	if err != nil {
		return nil, fmt.Errorf("failed to create trial identity: %w", err)
	}
	return ident, nil
}

// ConsumeQuota はクォータをアトミックにn減算する。
// 減算とゼロ未満チェックを単一UPDATEで行うため、並行するconsumeは
// 行ロックにより直列化され、同じ減算前の値を2つの呼び出しが読むことはない。
func (r *PostgresIdentityRepo) ConsumeQuota(ctx context.Context, id string, n int64) (*int64, bool, error) {
	var quota sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`UPDATE identities
		 SET quota_remaining = CASE
		         WHEN quota_remaining IS NULL THEN NULL
		         ELSE quota_remaining - $2
		     END,
		     updated_at = now()
		 WHERE id = $1
		   AND status = 'active'
		   AND (quota_remaining IS NULL OR quota_remaining >= $2)
		 RETURNING quota_remaining`,
		id, n,
	).Scan(&quota)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to consume quota: %w", err)
	}

	if !quota.Valid {
		return nil, true, nil
	}
	v := quota.Int64
	return &v, true, nil
}

// SoftDelete はアイデンティティを論理削除（grace_deleted）にする。
func (r *PostgresIdentityRepo) SoftDelete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET status = 'grace_deleted', deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to soft delete identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("identity not found or already deleted: %s", id)
	}
	return nil
}

// Restore は猶予期間中の論理削除アイデンティティをactiveに復元する。
func (r *PostgresIdentityRepo) Restore(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET status = 'active', deleted_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'grace_deleted'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to restore identity: %w", err)
	}
	return nil
}

// HardDelete はアイデンティティ行を物理削除する。
// 所有チャットが残っている場合はRESTRICT制約により失敗する。
func (r *PostgresIdentityRepo) HardDelete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteExpiredGrace は猶予期間を経過した論理削除アイデンティティを
// 所有リソースごと物理削除し、アイデンティティの削除件数を返す。
// チャット→アイデンティティの順に同一トランザクションで削除する
// （chatsのFKはRESTRICTのため順序が必要）。
func (r *PostgresIdentityRepo) DeleteExpiredGrace(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	interval := fmt.Sprintf("%d hours", int64(gracePeriod.Hours()))

	_, err = tx.ExecContext(ctx,
		`DELETE FROM chats
		 WHERE owner_identity_id IN (
		     SELECT id FROM identities
		     WHERE status = 'grace_deleted' AND deleted_at < now() - $1::interval
		 )`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chats of expired identities: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM identities
		 WHERE status = 'grace_deleted' AND deleted_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired identities: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return deleted, nil
}

// InTx はアイデンティティ解決用の操作集合を1つのトランザクションで実行する。
func (r *PostgresIdentityRepo) InTx(ctx context.Context, fn func(tx IdentityTxOps) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&identityTxOps{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// identityTxOps はIdentityTxOpsのPostgreSQL実装。
type identityTxOps struct {
	tx *sql.Tx
}

// FindByProviderSubject は(auth_provider, auth_provider_user_id)で検索する。
func (o *identityTxOps) FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	return findIdentity(ctx, o.tx, `auth_provider = $1 AND auth_provider_user_id = $2`, provider, providerUserID)
}

// FindTrialByFingerprintForUpdate は最新の未リンクtrial行を行ロック付きで取得する。
func (o *identityTxOps) FindTrialByFingerprintForUpdate(ctx context.Context, fingerprint string) (*model.Identity, error) {
	return findIdentity(ctx, o.tx,
		`device_fingerprint = $1 AND kind = 'trial' AND auth_provider IS NULL
		 ORDER BY created_at DESC LIMIT 1
		 FOR UPDATE`, fingerprint)
}

// FindUnlinkedByEmailForUpdate は外部IdP未リンクのメール一致行を行ロック付きで取得する。
// パスワードアカウント（auth_provider IS NULL、password_hashあり）も対象に含める。
func (o *identityTxOps) FindUnlinkedByEmailForUpdate(ctx context.Context, email string) (*model.Identity, error) {
	return findIdentity(ctx, o.tx,
		`email = $1 AND auth_provider IS NULL
		 LIMIT 1
		 FOR UPDATE`, email)
}

// Promote は指定アイデンティティをin placeでregisteredに昇格する。
// idは変更されない。trial専用フィールド（device_fingerprint）はクリアし、
// クォータは登録ティアの既定値にリセットする。
// 既存のpassword_hashは空パラメータでは上書きされない（OAuth後付けリンク対応）。
func (o *identityTxOps) Promote(ctx context.Context, id string, p PromoteParams) (*model.Identity, error) {
	query := fmt.Sprintf(
		`UPDATE identities
		 SET kind = 'registered',
		     email = $2,
		     auth_provider = NULLIF($3, ''),
		     auth_provider_user_id = NULLIF($4, ''),
		     password_hash = COALESCE(NULLIF($5, ''), password_hash),
		     device_fingerprint = NULL,
		     quota_remaining = $6,
		     tier = $7,
		     status = 'active',
		     deleted_at = NULL,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING %s`, identityColumns)

	ident, err := scanIdentity(o.tx.QueryRowContext(ctx, query,
		id, p.Email, p.Provider, p.ProviderUserID, p.PasswordHash, p.Quota, p.Tier))
	if err != nil {
		return nil, fmt.Errorf("failed to promote identity: %w", err)
	}
	return ident, nil
}

// CreateRegistered は登録済みアイデンティティを新規作成する。
func (o *identityTxOps) CreateRegistered(ctx context.Context, p RegisterParams) (*model.Identity, error) {
	query := fmt.Sprintf(
		`INSERT INTO identities
		     (kind, email, auth_provider, auth_provider_user_id, password_hash, quota_remaining, tier)
		 VALUES ('registered', $1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		 RETURNING %s`, identityColumns)

	ident, err := scanIdentity(o.tx.QueryRowContext(ctx, query,
		p.Email, p.Provider, p.ProviderUserID, p.PasswordHash, p.Quota, p.Tier))
	if err != nil {
		return nil, fmt.Errorf("failed to create registered identity: %w", err)
	}
	return ident, nil
}

// Restore は猶予期間中の論理削除アイデンティティをactiveに復元する。
func (o *identityTxOps) Restore(ctx context.Context, id string) error {
	_, err := o.tx.ExecContext(ctx,
		`UPDATE identities
		 SET status = 'active', deleted_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'grace_deleted'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to restore identity: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ IdentityRepository = (*PostgresIdentityRepo)(nil)
	_ IdentityTxOps      = (*identityTxOps)(nil)
)
