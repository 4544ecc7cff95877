// Package session はログインセッションの開設・検証・失効を提供する。
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nklact/norma-identity/internal/metrics"
	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/repository"
)

// TokenHash は生のベアラートークンから保存用のSHA-256ハッシュ（64桁小文字hex）を導出する。
// データベースには生トークンは保存されず、流出してもセッションを再現できない。
func TokenHash(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// generateToken は暗号学的に安全な乱数からベアラートークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// OpenResult はセッション開設の結果。
// RevokedCountは上限超過により自動失効された既存セッションの数。
type OpenResult struct {
	RawToken     string
	Session      *model.Session
	Reused       bool
	RevokedCount int64
}

// Registry はアイデンティティごとの同時セッション数上限を強制しつつ
// セッションのライフサイクルを管理する。
//
// 上限強制は開設後の失効（revoke-beyond）方式で行う。新しいログインは
// 常に成功し、超過分はlast_seen_atが最も古いものから失効される。
// 並行ログインで一時的に上限+同時数まで有効セッションが存在し得るが、
// 双方の失効処理が収束すれば上限以下に戻る。
type Registry struct {
	sessions    repository.SessionRepository
	collector   metrics.MetricsCollector
	ttl         time.Duration
	maxSessions int
	logger      *slog.Logger
}

// NewRegistry はRegistryを生成する。
func NewRegistry(sessions repository.SessionRepository, collector metrics.MetricsCollector, ttl time.Duration, maxSessions int, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:    sessions,
		collector:   collector,
		ttl:         ttl,
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// Open は新しいセッションを開設し、生トークンを返す。
// デバイスセッションIDが一致する有効セッションが既にある場合は
// 新しい行を作らずトークンを差し替える（同一端末の再ログインで
// セッション一覧が増殖しない）。
// 開設後、有効セッション数が上限を超えていれば古いものから失効する。
func (r *Registry) Open(ctx context.Context, identityID string, device model.DeviceInfo, ip string) (*OpenResult, error) {
	rawToken, err := generateToken()
	if err != nil {
		return nil, err
	}
	tokenHash := TokenHash(rawToken)
	expiresAt := time.Now().Add(r.ttl)

	result := &OpenResult{RawToken: rawToken}

	if device.DeviceSessionID != "" {
		existing, err := r.sessions.FindActiveByDeviceSession(ctx, identityID, device.DeviceSessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up device session: %w", err)
		}
		if existing != nil {
			if err := r.sessions.UpdateToken(ctx, existing.ID, tokenHash, expiresAt, device); err != nil {
				return nil, fmt.Errorf("failed to rotate session token: %w", err)
			}
			existing.TokenHash = tokenHash
			existing.ExpiresAt = expiresAt
			existing.DeviceInfo = device
			result.Session = existing
			result.Reused = true
		}
	}

	if result.Session == nil {
		// クライアントがデバイスセッションIDを送らない場合はサーバー側で採番する。
		// クライアントがこのIDを保存して次回ログインで送れば行が再利用される。
		if device.DeviceSessionID == "" {
			device.DeviceSessionID = uuid.New().String()
		}
		session := &model.Session{
			IdentityID: identityID,
			TokenHash:  tokenHash,
			DeviceInfo: device,
			IP:         ip,
			ExpiresAt:  expiresAt,
		}
		if err := r.sessions.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		result.Session = session
		r.collector.RecordSessionOpened()
	}

	revoked, err := r.sessions.RevokeBeyond(ctx, identityID, r.maxSessions)
	if err != nil {
		// 上限強制の失敗でログインを失敗させない。次の開設で再強制される。
		r.logger.Warn("failed to enforce session limit",
			slog.String("identity_id", identityID),
			slog.Any("error", err))
		return result, nil
	}
	if revoked > 0 {
		result.RevokedCount = revoked
		for i := int64(0); i < revoked; i++ {
			r.collector.RecordSessionRevoked("limit")
		}
		r.logger.Info("session limit enforced",
			slog.String("identity_id", identityID),
			slog.Int64("revoked", revoked))
	}

	return result, nil
}

// Validate は生トークンを検証し、有効なセッションを返す。
// 有効性は revoked = false かつ expires_at > now() で判定され、
// 検証と同時にlast_seen_atが更新される。
// 無効な場合はAUTH_REQUIREDエラーを返す。
func (r *Registry) Validate(ctx context.Context, rawToken string) (*model.Session, error) {
	if rawToken == "" {
		return nil, model.NewAuthRequiredError()
	}

	session, err := r.sessions.FindActiveAndTouch(ctx, TokenHash(rawToken))
	if err != nil {
		return nil, fmt.Errorf("failed to validate session: %w", err)
	}
	if session == nil {
		return nil, model.NewAuthRequiredError()
	}
	return session, nil
}

// List は有効セッションをlast_seen_at降順で返す。
func (r *Registry) List(ctx context.Context, identityID string) ([]*model.Session, error) {
	sessions, err := r.sessions.ListActiveByIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Revoke は自身の指定セッションを失効する。
// 対象が存在しないか他人のセッションの場合は検証エラーを返す。
func (r *Registry) Revoke(ctx context.Context, identityID, sessionID string) error {
	ok, err := r.sessions.Revoke(ctx, identityID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if !ok {
		return model.NewValidationError("指定されたセッションが見つかりません")
	}
	r.collector.RecordSessionRevoked("user")
	return nil
}

// RevokeAllExcept は現在のセッション以外をすべて失効し、失効数を返す。
// keepRawTokenが空の場合は全セッションを失効する。
func (r *Registry) RevokeAllExcept(ctx context.Context, identityID, keepRawToken string) (int64, error) {
	keepHash := ""
	if keepRawToken != "" {
		keepHash = TokenHash(keepRawToken)
	}

	revoked, err := r.sessions.RevokeAllExcept(ctx, identityID, keepHash)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	for i := int64(0); i < revoked; i++ {
		r.collector.RecordSessionRevoked("user")
	}
	return revoked, nil
}
