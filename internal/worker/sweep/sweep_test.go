package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nklact/norma-identity/internal/metrics"
)

// --- モック ---

type mockSessionSweeper struct {
	markFn        func(ctx context.Context) (int64, error)
	deleteStaleFn func(ctx context.Context) (int64, error)
}

func (m *mockSessionSweeper) MarkExpiredRevoked(ctx context.Context) (int64, error) {
	if m.markFn != nil {
		return m.markFn(ctx)
	}
	return 0, nil
}
func (m *mockSessionSweeper) DeleteStale(ctx context.Context) (int64, error) {
	if m.deleteStaleFn != nil {
		return m.deleteStaleFn(ctx)
	}
	return 0, nil
}

type mockIdentitySweeper struct {
	deleteFn func(ctx context.Context, gracePeriod time.Duration) (int64, error)
	called   bool
}

func (m *mockIdentitySweeper) DeleteExpiredGrace(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	m.called = true
	if m.deleteFn != nil {
		return m.deleteFn(ctx, gracePeriod)
	}
	return 0, nil
}

// countingCollector はセッション失効の記録回数を理由別に数える。
type countingCollector struct {
	metrics.NopCollector
	revoked map[string]int
}

func (c *countingCollector) RecordSessionRevoked(reason string) {
	if c.revoked == nil {
		c.revoked = map[string]int{}
	}
	c.revoked[reason]++
}

func newTestJob(sessions SessionSweeper, identities IdentitySweeper) *SweepJob {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewSweepJob(sessions, identities, metrics.NopCollector{}, logger)
}

// --- テスト ---

// TestSweepJob_Run_AllSteps は3段階すべてが実行されることを検証する。
func TestSweepJob_Run_AllSteps(t *testing.T) {
	markCalled := false
	deleteCalled := false
	sessions := &mockSessionSweeper{
		markFn: func(ctx context.Context) (int64, error) {
			markCalled = true
			return 2, nil
		},
		deleteStaleFn: func(ctx context.Context) (int64, error) {
			deleteCalled = true
			return 5, nil
		},
	}
	identities := &mockIdentitySweeper{
		deleteFn: func(ctx context.Context, gracePeriod time.Duration) (int64, error) {
			if gracePeriod != 720*time.Hour {
				t.Errorf("gracePeriod = %v, want 720h", gracePeriod)
			}
			return 1, nil
		},
	}

	job := newTestJob(sessions, identities)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !markCalled || !deleteCalled || !identities.called {
		t.Error("all sweep steps should be executed")
	}
}

// TestSweepJob_Run_RecordsRevocationPerSession は期限切れで整理された
// セッション1件につき失効メトリクスが1回記録されることを検証する。
func TestSweepJob_Run_RecordsRevocationPerSession(t *testing.T) {
	sessions := &mockSessionSweeper{
		markFn: func(ctx context.Context) (int64, error) {
			return 3, nil
		},
	}
	collector := &countingCollector{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	job := NewSweepJob(sessions, &mockIdentitySweeper{}, collector, logger)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := collector.revoked["expired"]; got != 3 {
		t.Errorf("expired revocations recorded = %d, want 3", got)
	}
}

// TestSweepJob_Run_Idempotent は対象がない状態での再実行がエラーに
// ならないことを検証する。
func TestSweepJob_Run_Idempotent(t *testing.T) {
	job := newTestJob(&mockSessionSweeper{}, &mockIdentitySweeper{})
	for i := 0; i < 3; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run #%d returned error: %v", i+1, err)
		}
	}
}

// TestSweepJob_Run_FailureDoesNotStopLaterSteps は前段の失敗が後段の実行を
// 妨げないことを検証する。
func TestSweepJob_Run_FailureDoesNotStopLaterSteps(t *testing.T) {
	sessions := &mockSessionSweeper{
		markFn: func(ctx context.Context) (int64, error) {
			return 0, errors.New("db down")
		},
	}
	identities := &mockIdentitySweeper{}

	job := newTestJob(sessions, identities)
	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error to be reported")
	}
	if !identities.called {
		t.Error("identity sweep should run even when session sweep fails")
	}
}
