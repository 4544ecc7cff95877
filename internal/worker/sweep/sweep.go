// Package sweep はセッションと論理削除アイデンティティの定期掃除ジョブを提供する。
// セッションの有効性判定はスイープに依存しないため、このジョブはストレージの
// 肥大化を防ぐための保守処理であり、実行の遅延や失敗が認可の正しさに影響する
// ことはない。
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nklact/norma-identity/internal/metrics"
)

// SessionSweeper はセッション行の整理操作。
type SessionSweeper interface {
	MarkExpiredRevoked(ctx context.Context) (int64, error)
	DeleteStale(ctx context.Context) (int64, error)
}

// IdentitySweeper は猶予期間経過後のアイデンティティ削除操作。
type IdentitySweeper interface {
	DeleteExpiredGrace(ctx context.Context, gracePeriod time.Duration) (int64, error)
}

// SweepJob は定期掃除ジョブ。冪等で、何度実行しても安全。
type SweepJob struct {
	sessions    SessionSweeper
	identities  IdentitySweeper
	collector   metrics.MetricsCollector
	GracePeriod time.Duration // 論理削除からの保持期間（デフォルト: 30日）
	logger      *slog.Logger
}

// NewSweepJob はSweepJobを生成する。
func NewSweepJob(sessions SessionSweeper, identities IdentitySweeper, collector metrics.MetricsCollector, logger *slog.Logger) *SweepJob {
	return &SweepJob{
		sessions:    sessions,
		identities:  identities,
		collector:   collector,
		GracePeriod: 720 * time.Hour,
		logger:      logger,
	}
}

// Run は1回分の掃除を実行する。
//  1. 期限切れセッションをrevoked=trueに揃える
//  2. 保持期間を過ぎたセッション行を物理削除する
//  3. 猶予期間を経過した論理削除アイデンティティを所有リソースごと物理削除する
//
// 途中の失敗は以降の処理を止めない。次回実行で再試行される。
func (j *SweepJob) Run(ctx context.Context) error {
	start := time.Now()
	var firstErr error

	marked, err := j.sessions.MarkExpiredRevoked(ctx)
	if err != nil {
		j.logger.Error("期限切れセッションの整理に失敗しました",
			slog.String("error", err.Error()))
		firstErr = fmt.Errorf("failed to mark expired sessions: %w", err)
	} else {
		for i := int64(0); i < marked; i++ {
			j.collector.RecordSessionRevoked("expired")
		}
	}

	deletedSessions, err := j.sessions.DeleteStale(ctx)
	if err != nil {
		j.logger.Error("古いセッション行の削除に失敗しました",
			slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to delete stale sessions: %w", err)
		}
	} else {
		j.collector.RecordSweepDeleted("sessions", deletedSessions)
	}

	deletedIdentities, err := j.identities.DeleteExpiredGrace(ctx, j.GracePeriod)
	if err != nil {
		j.logger.Error("猶予期間経過アイデンティティの削除に失敗しました",
			slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to delete expired identities: %w", err)
		}
	} else {
		j.collector.RecordSweepDeleted("identities", deletedIdentities)
	}

	duration := time.Since(start)
	j.logger.Info("スイープジョブが完了しました",
		slog.Int64("expired_marked", marked),
		slog.Int64("sessions_deleted", deletedSessions),
		slog.Int64("identities_deleted", deletedIdentities),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return firstErr
}
