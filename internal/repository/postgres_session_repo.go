package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nklact/norma-identity/internal/model"
)

const sessionColumns = `id, identity_id, token_hash, device_info, ip_address,
	created_at, last_seen_at, expires_at, revoked`

// セッション行の保持期間。スイープのDeleteStaleで使用する。
const (
	revokedRetention = "7 days"
	idleRetention    = "90 days"
)

// scanSession は1行をmodel.Sessionに変換する。
func scanSession(row rowScanner) (*model.Session, error) {
	var (
		session    model.Session
		deviceInfo []byte
		ip         sql.NullString
	)

	err := row.Scan(
		&session.ID, &session.IdentityID, &session.TokenHash, &deviceInfo, &ip,
		&session.CreatedAt, &session.LastSeenAt, &session.ExpiresAt, &session.Revoked,
	)
	if err != nil {
		return nil, err
	}

	session.TokenHash = strings.TrimSpace(session.TokenHash)
	session.IP = ip.String
	if len(deviceInfo) > 0 {
		if err := json.Unmarshal(deviceInfo, &session.DeviceInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device info: %w", err)
		}
	}

	return &session, nil
}

func findSession(ctx context.Context, q queryer, where string, args ...any) (*model.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE %s`, sessionColumns, where)
	session, err := scanSession(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成し、生成されたIDとタイムスタンプをsessionに書き戻す。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	deviceInfo, err := json.Marshal(session.DeviceInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal device info: %w", err)
	}

	var ip any
	if session.IP != "" {
		ip = session.IP
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO sessions (identity_id, token_hash, device_info, ip_address, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, last_seen_at`,
		session.IdentityID, session.TokenHash, deviceInfo, ip, session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt, &session.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindActiveAndTouch は有効なセッションをトークンハッシュで検索し、
// 同一ステートメントでlast_seen_atを更新する。
func (r *PostgresSessionRepo) FindActiveAndTouch(ctx context.Context, tokenHash string) (*model.Session, error) {
	query := fmt.Sprintf(
		`UPDATE sessions
		 SET last_seen_at = now()
		 WHERE token_hash = $1 AND revoked = false AND expires_at > now()
		 RETURNING %s`, sessionColumns)

	session, err := scanSession(r.db.QueryRowContext(ctx, query, tokenHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find and touch session: %w", err)
	}
	return session, nil
}

// FindActiveByDeviceSession は同一デバイスセッションIDの有効セッションを
// last_seen_at降順で1件取得する。トークンリフレッシュ時の再利用に使う。
func (r *PostgresSessionRepo) FindActiveByDeviceSession(ctx context.Context, identityID, deviceSessionID string) (*model.Session, error) {
	return findSession(ctx, r.db,
		`identity_id = $1
		   AND device_info->>'session_id' = $2
		   AND revoked = false AND expires_at > now()
		 ORDER BY last_seen_at DESC LIMIT 1`,
		identityID, deviceSessionID)
}

// UpdateToken はセッションのトークンハッシュと有効期限を差し替える。
// 同一デバイスからのトークンリフレッシュで既存セッション行を再利用するために使う。
func (r *PostgresSessionRepo) UpdateToken(ctx context.Context, sessionID, tokenHash string, expiresAt time.Time, deviceInfo model.DeviceInfo) error {
	encoded, err := json.Marshal(deviceInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal device info: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET token_hash = $2, expires_at = $3, device_info = $4, last_seen_at = now()
		 WHERE id = $1 AND revoked = false`,
		sessionID, tokenHash, expiresAt, encoded,
	)
	if err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session not found or revoked: %s", sessionID)
	}
	return nil
}

// ListActiveByIdentity は有効セッションをlast_seen_at降順で返す。
func (r *PostgresSessionRepo) ListActiveByIdentity(ctx context.Context, identityID string) ([]*model.Session, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM sessions
		 WHERE identity_id = $1 AND revoked = false AND expires_at > now()
		 ORDER BY last_seen_at DESC`, sessionColumns)

	rows, err := r.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

// RevokeBeyond は有効セッションのうちlast_seen_atが新しい順にkeep件を残し、
// 残りをrevokeする。revokeした件数を返す。
// 最も長く使われていないセッションから失効するため、アクティブな
// デバイスの作業が中断されることはない。
func (r *PostgresSessionRepo) RevokeBeyond(ctx context.Context, identityID string, keep int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET revoked = true
		 WHERE identity_id = $1 AND revoked = false AND expires_at > now()
		   AND id NOT IN (
		       SELECT id FROM sessions
		       WHERE identity_id = $1 AND revoked = false AND expires_at > now()
		       ORDER BY last_seen_at DESC
		       LIMIT $2
		   )`,
		identityID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke excess sessions: %w", err)
	}
	revoked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return revoked, nil
}

// Revoke は指定アイデンティティの指定セッションをrevokeする。
// identity_idの一致を条件に含めることで他人のセッションは失効できない。
func (r *PostgresSessionRepo) Revoke(ctx context.Context, identityID, sessionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = true
		 WHERE id = $1 AND identity_id = $2 AND revoked = false`,
		sessionID, identityID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RevokeAllExcept は指定トークンハッシュ以外の全セッションをrevokeする。
// keepTokenHashが空の場合は全セッションをrevokeする。
func (r *PostgresSessionRepo) RevokeAllExcept(ctx context.Context, identityID, keepTokenHash string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = true
		 WHERE identity_id = $1 AND revoked = false
		   AND ($2 = '' OR token_hash <> $2)`,
		identityID, keepTokenHash,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	revoked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return revoked, nil
}

// MarkExpiredRevoked は期限切れセッションをrevoked=trueに揃える。冪等。
// 有効性判定は常にexpires_atも見るため、この処理の遅延が
// 期限切れセッションの受け入れにつながることはない。
func (r *PostgresSessionRepo) MarkExpiredRevoked(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = true
		 WHERE revoked = false AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired sessions: %w", err)
	}
	marked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return marked, nil
}

// DeleteStale は保持期間を過ぎたセッション行を物理削除する。
// 期限切れ、revoke後7日経過（last_seen_atで近似）、
// または90日間未使用の行が対象。
func (r *PostgresSessionRepo) DeleteStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE expires_at <= now()
		    OR (revoked = true AND last_seen_at < now() - $1::interval)
		    OR last_seen_at < now() - $2::interval`,
		revokedRetention, idleRetention,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
