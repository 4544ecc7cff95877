package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/nklact/norma-identity/internal/identity"
	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/repository"
	"github.com/nklact/norma-identity/internal/session"
)

// IdentityResolver はクレデンシャルからアイデンティティへの解決を行う。
type IdentityResolver interface {
	Resolve(ctx context.Context, p identity.ResolveParams) (*identity.Result, error)
}

// SessionOpener はセッションの開設と一括失効を行う。
type SessionOpener interface {
	Open(ctx context.Context, identityID string, device model.DeviceInfo, ip string) (*session.OpenResult, error)
	RevokeAllExcept(ctx context.Context, identityID, keepRawToken string) (int64, error)
}

// LoginResult はログイン・登録の結果。
type LoginResult struct {
	Identity        *model.Identity
	Token           string
	Session         *model.Session
	Merged          bool
	Restored        bool
	MigratedFromID  string
	RevokedSessions int64
}

// Service は認証に関するビジネスロジックを提供する。
// OAuthコールバック・パスワード登録・パスワードログインのいずれも
// 最終的にアイデンティティ解決とセッション開設に収束する。
type Service struct {
	oauth      OAuthProvider
	resolver   IdentityResolver
	registry   SessionOpener
	identities repository.IdentityRepository
	migrator   identity.OwnershipMigrator
	logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	resolver IdentityResolver,
	registry SessionOpener,
	identities repository.IdentityRepository,
	migrator identity.OwnershipMigrator,
	logger *slog.Logger,
) *Service {
	return &Service{
		oauth:      oauth,
		resolver:   resolver,
		registry:   registry,
		identities: identities,
		migrator:   migrator,
		logger:     logger,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleOAuthCallback はOAuthコールバックを処理し、セッションを発行する。
// fingerprintが空でない場合、この端末の試用アイデンティティが
// ログインしたアカウントへ統合される。
func (s *Service) HandleOAuthCallback(ctx context.Context, code, fingerprint string, device model.DeviceInfo, ip string) (*LoginResult, error) {
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	result, err := s.resolver.Resolve(ctx, identity.ResolveParams{
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		Email:          userInfo.Email,
		EmailVerified:  userInfo.EmailVerified,
		Fingerprint:    fingerprint,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("oauth login resolved",
		slog.String("identity_id", result.Identity.ID),
		slog.String("provider", userInfo.Provider),
		slog.Bool("merged", result.Merged))

	return s.openSession(ctx, result, device, ip)
}

// RegisterPassword はメールアドレスとパスワードで新規登録する。
// 同一フィンガープリントの試用アイデンティティがあれば昇格される。
func (s *Service) RegisterPassword(ctx context.Context, email, password, fingerprint string, device model.DeviceInfo, ip string) (*LoginResult, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	result, err := s.resolver.Resolve(ctx, identity.ResolveParams{
		Email:        email,
		PasswordHash: hash,
		Fingerprint:  fingerprint,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("password account registered",
		slog.String("identity_id", result.Identity.ID),
		slog.Bool("merged", result.Merged))

	return s.openSession(ctx, result, device, ip)
}

// LoginPassword はメールアドレスとパスワードでログインする。
// 猶予期間中の論理削除アカウントは自動的に復元される。
func (s *Service) LoginPassword(ctx context.Context, email, password, fingerprint string, device model.DeviceInfo, ip string) (*LoginResult, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	ident, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if ident == nil || ident.PasswordHash == "" || !VerifyPassword(ident.PasswordHash, password) {
		return nil, model.NewInvalidCredentialsError()
	}

	result := &identity.Result{Identity: ident}

	if ident.Status == model.IdentityStatusGraceDeleted {
		if err := s.identities.Restore(ctx, ident.ID); err != nil {
			return nil, fmt.Errorf("failed to restore identity: %w", err)
		}
		ident.Status = model.IdentityStatusActive
		ident.DeletedAt = nil
		result.Restored = true
		s.logger.Info("grace-deleted identity restored on login",
			slog.String("identity_id", ident.ID))
	}

	// この端末に試用データが残っていればログインしたアカウントへ移管する
	if fingerprint != "" {
		trial, err := s.identities.FindTrialByFingerprint(ctx, fingerprint)
		if err != nil {
			s.logger.Warn("trial lookup failed on login",
				slog.Any("error", err))
		} else if trial != nil && trial.ID != ident.ID {
			if _, err := s.migrator.Migrate(ctx, trial.ID, ident.ID); err != nil {
				s.logger.Error("trial data migration failed on login",
					slog.String("from", trial.ID),
					slog.String("to", ident.ID),
					slog.Any("error", err))
			} else {
				result.MigratedFromID = trial.ID
			}
		}
	}

	return s.openSession(ctx, result, device, ip)
}

// DeleteAccount はアカウントを論理削除し、全セッションを失効する。
// 猶予期間内の再ログインで復元できる。
func (s *Service) DeleteAccount(ctx context.Context, identityID string) error {
	if err := s.identities.SoftDelete(ctx, identityID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	revoked, err := s.registry.RevokeAllExcept(ctx, identityID, "")
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	s.logger.Info("account deleted",
		slog.String("identity_id", identityID),
		slog.Int64("sessions_revoked", revoked))
	return nil
}

// openSession は解決結果に対してセッションを開設する。
func (s *Service) openSession(ctx context.Context, result *identity.Result, device model.DeviceInfo, ip string) (*LoginResult, error) {
	opened, err := s.registry.Open(ctx, result.Identity.ID, device, ip)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Identity:        result.Identity,
		Token:           opened.RawToken,
		Session:         opened.Session,
		Merged:          result.Merged,
		Restored:        result.Restored,
		MigratedFromID:  result.MigratedFromID,
		RevokedSessions: opened.RevokedCount,
	}, nil
}

func validateEmail(email string) error {
	if email == "" {
		return model.NewValidationError("メールアドレスが必要です")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	return nil
}
