package fingerprint

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nklact/norma-identity/internal/model"
)

// SignalSource はデバイス信号の収集関数。
type SignalSource func() (Signals, error)

// Manager はフィンガープリントの取得を提供する。
//
// 初回書き込み優先: 保存済みの値が常に返され、ハードウェア構成の変化で
// 再計算値が変わってもドリフトとしてログに記録するだけで上書きしない。
// 値の安定性はハッシュの再現性ではなく保存によって保証される。
type Manager struct {
	store  Store
	source SignalSource
	logger *slog.Logger

	mu     sync.Mutex
	cached *model.FingerprintRecord
}

// NewManager はManagerを生成する。
func NewManager(store Store, source SignalSource, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		source: source,
		logger: logger,
	}
}

// Get はデバイスのフィンガープリントを返す。
// 保存済みの値があればそれを返し、なければ信号から生成して保存する。
// 信号が収集できず保存済みの値もない場合はFINGERPRINT_UNAVAILABLEエラーを返す。
// 呼び出し側はこのエラーで失敗せず、永続化されない一時アイデンティティに縮退する。
func (m *Manager) Get() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached.Value, nil
	}

	stored, err := m.store.Load()
	if err != nil {
		m.logger.Warn("failed to load stored fingerprint",
			slog.Any("error", err))
	}

	if stored != nil {
		m.checkDrift(stored.Value)
		m.cached = stored
		return stored.Value, nil
	}

	signals, err := m.source()
	if err != nil {
		m.logger.Warn("device signals unavailable",
			slog.Any("error", err))
		return "", model.NewFingerprintUnavailableError()
	}

	value, err := Compute(signals)
	if err != nil {
		m.logger.Warn("fingerprint computation failed",
			slog.Any("error", err))
		return "", model.NewFingerprintUnavailableError()
	}

	record := &model.FingerprintRecord{
		Value:       value,
		GeneratedAt: time.Now(),
	}
	if err := m.store.Save(record); err != nil {
		// 保存失敗はこの値の安定性を下げるだけで、今回の利用は妨げない
		m.logger.Warn("failed to persist fingerprint",
			slog.Any("error", err))
	}

	m.cached = record
	return value, nil
}

// checkDrift は保存値と再計算値の差異をログに記録する。上書きはしない。
func (m *Manager) checkDrift(stored string) {
	signals, err := m.source()
	if err != nil {
		return
	}
	current, err := Compute(signals)
	if err != nil {
		return
	}
	if current != stored {
		m.logger.Info("fingerprint drift detected",
			slog.String("stored_prefix", stored[:8]),
			slog.String("computed_prefix", current[:8]))
	}
}
