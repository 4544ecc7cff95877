// Package quota は試用・登録アイデンティティのメッセージクォータを管理する。
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nklact/norma-identity/internal/metrics"
	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/repository"
)

// 直列化失敗時のリトライ回数と待機時間。
const (
	consumeMaxAttempts = 2
	consumeRetryDelay  = 50 * time.Millisecond
)

// Tracker はフィンガープリントに紐付く試用アイデンティティの解決と
// クォータの消費を提供する。
// 消費は残量チェックと減算を単一のアトミックな更新で行うため、
// 並行リクエストがクォータを超過して通過することはない。
type Tracker struct {
	identities repository.IdentityRepository
	collector  metrics.MetricsCollector
	trialQuota int64
	logger     *slog.Logger
}

// NewTracker はTrackerを生成する。
func NewTracker(identities repository.IdentityRepository, collector metrics.MetricsCollector, trialQuota int64, logger *slog.Logger) *Tracker {
	return &Tracker{
		identities: identities,
		collector:  collector,
		trialQuota: trialQuota,
		logger:     logger,
	}
}

// ResolveOrCreateTrial はフィンガープリントに対応する試用アイデンティティを返す。
// 未リンクのtrial行が存在すればそれを（複数あれば最新を）返し、
// なければ既定クォータで新規作成する。
// 並行作成で同一フィンガープリントのtrial行が複数できることは許容する。
// 以降の解決は常に最新の1件に収束する。
func (t *Tracker) ResolveOrCreateTrial(ctx context.Context, fingerprint string) (*model.Identity, error) {
	ident, err := t.identities.FindTrialByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trial identity: %w", err)
	}
	if ident != nil {
		return ident, nil
	}

	ident, err = t.identities.CreateTrial(ctx, fingerprint, t.trialQuota)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial identity: %w", err)
	}

	t.collector.RecordIdentityCreated(string(model.IdentityKindTrial))
	t.logger.Info("trial identity created",
		slog.String("identity_id", ident.ID),
		slog.Int64("quota", t.trialQuota))

	return ident, nil
}

// Status はアイデンティティの現在の状態を返す。
// 見つからない場合はIDENTITY_NOT_FOUNDエラーを返す。
func (t *Tracker) Status(ctx context.Context, identityID string) (*model.Identity, error) {
	ident, err := t.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if ident == nil {
		return nil, model.NewIdentityNotFoundError()
	}
	return ident, nil
}

// Consume はクォータを1消費する。
// 残量が無制限（NULL）の場合は減算なしで成功する。
// 残量不足の場合はQUOTA_EXCEEDEDエラーを返し、状態は変更されない。
// 直列化失敗・デッドロックは1回だけ待機してリトライする。
func (t *Tracker) Consume(ctx context.Context, identityID string) (*int64, error) {
	var (
		remaining *int64
		ok        bool
		err       error
	)
	for attempt := 0; attempt < consumeMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(consumeRetryDelay):
			}
		}

		remaining, ok, err = t.identities.ConsumeQuota(ctx, identityID, 1)
		if err == nil {
			break
		}
		if !repository.IsSerializationFailure(err) {
			return nil, fmt.Errorf("failed to consume quota: %w", err)
		}
		t.logger.Warn("quota consumption conflicted",
			slog.String("identity_id", identityID),
			slog.Any("error", err))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume quota: %w", err)
	}
	if !ok {
		t.collector.RecordQuotaExceeded()
		t.logger.Info("quota exceeded",
			slog.String("identity_id", identityID))
		return nil, model.NewQuotaExceededError()
	}

	t.collector.RecordQuotaConsumed(1)
	return remaining, nil
}
