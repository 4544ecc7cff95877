// Package identity はクレデンシャルとフィンガープリントから
// 単一のアイデンティティへの解決・統合を提供する。
package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/nklact/norma-identity/internal/metrics"
	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/repository"
)

// ResolveParams はアイデンティティ解決の入力。
// 外部IdPログインではProvider/ProviderUserID/Email/EmailVerifiedを、
// パスワード登録ではEmail/PasswordHashを設定する。
// Fingerprintは端末の試用アイデンティティを統合するための任意入力。
type ResolveParams struct {
	Provider       string
	ProviderUserID string
	Email          string
	EmailVerified  bool
	PasswordHash   string
	Fingerprint    string
}

// Result は解決結果。
// Mergedは既存の試用アイデンティティがこのログインで昇格したことを示す。
// MigratedFromIDは別アイデンティティの所有リソースが移管された場合の移管元ID。
type Result struct {
	Identity       *model.Identity
	Merged         bool
	Restored       bool
	MigratedFromID string
}

// OwnershipMigrator は所有リソースの移管を行う。
type OwnershipMigrator interface {
	// Migrate はfromIDの所有リソースをtoIDへ移管し、移管元を削除する。
	Migrate(ctx context.Context, fromID, toID string) (int64, error)
}

// Resolver はログイン・登録時のアイデンティティ解決を行う。
//
// 解決は優先順位付きマッチングによる:
//  1. 同一の(プロバイダ, サブジェクト)に紐付く登録済みアイデンティティ（冪等な再ログイン）
//  2. フィンガープリントが一致する未リンクの試用アイデンティティ（in placeで昇格）
//  3. メールアドレスが一致する未リンクのアイデンティティ（検証済みメールのみ）
//  4. 新規作成
//
// マッチングと昇格は単一トランザクションで行い、並行する同一ユーザーの
// ログインは一意性制約で決着する。負けた側は再解決で同じ行に収束する。
type Resolver struct {
	identities      repository.IdentityRepository
	migrator        OwnershipMigrator
	collector       metrics.MetricsCollector
	registeredQuota int64
	logger          *slog.Logger
}

// NewResolver はResolverを生成する。
func NewResolver(identities repository.IdentityRepository, migrator OwnershipMigrator, collector metrics.MetricsCollector, registeredQuota int64, logger *slog.Logger) *Resolver {
	return &Resolver{
		identities:      identities,
		migrator:        migrator,
		collector:       collector,
		registeredQuota: registeredQuota,
		logger:          logger,
	}
}

// 直列化失敗時のリトライ回数と待機時間。
const (
	resolveMaxAttempts = 2
	resolveRetryDelay  = 50 * time.Millisecond
)

// Resolve はクレデンシャルを単一のアイデンティティに解決する。
// 既存の試用アイデンティティがある場合はIDを変えずに昇格し、
// 別の登録済みアイデンティティが勝者となる場合は試用データを移管する。
// 同一クレデンシャルでの再実行は常に同じアイデンティティを返す（冪等）。
func (r *Resolver) Resolve(ctx context.Context, p ResolveParams) (*Result, error) {
	if p.Email == "" {
		return nil, model.NewValidationError("メールアドレスが必要です")
	}

	var lastErr error
	for attempt := 0; attempt < resolveMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(resolveRetryDelay):
			}
		}

		result, err := r.resolveOnce(ctx, p)
		if err == nil {
			return result, nil
		}

		// メールの一意性制約: 別クレデンシャルが同じメールを先に登録済み
		if repository.IsUniqueViolation(err, repository.ConstraintIdentitiesEmail) {
			return nil, model.NewAlreadyLinkedError()
		}

		// サブジェクトの一意性制約: 並行する同一ユーザーのログインに負けた。
		// 再解決すれば勝者の行が見つかる（冪等）。
		if repository.IsUniqueViolation(err, repository.ConstraintIdentitiesProviderSubject) {
			r.collector.RecordMergeConflict()
			lastErr = err
			continue
		}

		if repository.IsSerializationFailure(err) {
			r.collector.RecordMergeConflict()
			lastErr = err
			continue
		}

		return nil, err
	}

	r.logger.Warn("identity resolution conflicted after retry",
		slog.String("provider", p.Provider),
		slog.Any("error", lastErr))
	return nil, model.NewMergeConflictError()
}

// resolveOnce は1回分の解決を実行する。
func (r *Resolver) resolveOnce(ctx context.Context, p ResolveParams) (*Result, error) {
	result := &Result{}
	var loserTrialID string
	var created bool

	err := r.identities.InTx(ctx, func(tx repository.IdentityTxOps) error {
		// 優先度1: 冪等チェック。同一サブジェクトは常に同じ行に解決される。
		if p.Provider != "" {
			existing, err := tx.FindByProviderSubject(ctx, p.Provider, p.ProviderUserID)
			if err != nil {
				return err
			}
			if existing != nil {
				if err := r.restoreIfGraceDeleted(ctx, tx, existing, result); err != nil {
					return err
				}
				result.Identity = existing

				// 端末に未リンクの試用データが残っていれば既存アカウントへ移管する
				if p.Fingerprint != "" {
					trial, err := tx.FindTrialByFingerprintForUpdate(ctx, p.Fingerprint)
					if err != nil {
						return err
					}
					if trial != nil && trial.ID != existing.ID {
						loserTrialID = trial.ID
					}
				}
				return nil
			}
		}

		// 優先度2: フィンガープリント一致の試用アイデンティティをin placeで昇格。
		// IDが変わらないため所有リソースの移管は不要。
		if p.Fingerprint != "" {
			trial, err := tx.FindTrialByFingerprintForUpdate(ctx, p.Fingerprint)
			if err != nil {
				return err
			}
			if trial != nil {
				promoted, err := tx.Promote(ctx, trial.ID, r.promoteParams(p))
				if err != nil {
					return err
				}
				result.Identity = promoted
				result.Merged = true
				return nil
			}
		}

		// 優先度3: メール一致の未リンクアイデンティティへのリンク。
		// なりすまし防止のため検証済みメールに限る。
		if p.EmailVerified || p.Provider == "" {
			existing, err := tx.FindUnlinkedByEmailForUpdate(ctx, p.Email)
			if err != nil {
				return err
			}
			if existing != nil {
				// パスワード登録で同一メールの既存アカウントに当たった場合は
				// リンクではなく重複登録なので拒否する
				if p.Provider == "" && existing.PasswordHash != "" {
					return model.NewAlreadyLinkedError()
				}
				if err := r.restoreIfGraceDeleted(ctx, tx, existing, result); err != nil {
					return err
				}
				promoted, err := tx.Promote(ctx, existing.ID, r.promoteParams(p))
				if err != nil {
					return err
				}
				result.Identity = promoted
				result.Merged = existing.Kind == model.IdentityKindTrial
				return nil
			}
		}

		// 優先度4: 新規作成
		registered, err := tx.CreateRegistered(ctx, repository.RegisterParams{
			Email:          p.Email,
			Provider:       p.Provider,
			ProviderUserID: p.ProviderUserID,
			PasswordHash:   p.PasswordHash,
			Quota:          r.registeredQuota,
			Tier:           "registered",
		})
		if err != nil {
			return err
		}
		result.Identity = registered
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Merged {
		r.collector.RecordIdentityMerged()
		r.logger.Info("trial identity promoted",
			slog.String("identity_id", result.Identity.ID),
			slog.String("provider", p.Provider))
	} else if created {
		r.collector.RecordIdentityCreated(string(model.IdentityKindRegistered))
	}

	// コミット後に試用データを移管する。単一UPDATEなので部分移管は起こらない。
	// ここで失敗しても勝者の解決は有効で、孤児となった試用行は無害。
	if loserTrialID != "" {
		migrated, err := r.migrator.Migrate(ctx, loserTrialID, result.Identity.ID)
		if err != nil {
			r.logger.Error("trial data migration failed",
				slog.String("from", loserTrialID),
				slog.String("to", result.Identity.ID),
				slog.Any("error", err))
		} else {
			result.MigratedFromID = loserTrialID
			r.logger.Info("trial data migrated",
				slog.String("from", loserTrialID),
				slog.String("to", result.Identity.ID),
				slog.Int64("resources", migrated))
		}
	}

	return result, nil
}

// restoreIfGraceDeleted は猶予期間中の論理削除アイデンティティを復元する。
func (r *Resolver) restoreIfGraceDeleted(ctx context.Context, tx repository.IdentityTxOps, ident *model.Identity, result *Result) error {
	if ident.Status != model.IdentityStatusGraceDeleted {
		return nil
	}
	if err := tx.Restore(ctx, ident.ID); err != nil {
		return err
	}
	ident.Status = model.IdentityStatusActive
	ident.DeletedAt = nil
	result.Restored = true
	r.logger.Info("grace-deleted identity restored",
		slog.String("identity_id", ident.ID))
	return nil
}

func (r *Resolver) promoteParams(p ResolveParams) repository.PromoteParams {
	return repository.PromoteParams{
		Email:          p.Email,
		Provider:       p.Provider,
		ProviderUserID: p.ProviderUserID,
		PasswordHash:   p.PasswordHash,
		Quota:          r.registeredQuota,
		Tier:           "registered",
	}
}
