package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nklact/norma-identity/internal/metrics"
	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/repository"
)

// --- モック ---

// fakeSessionRepo はインメモリのSessionRepository実装。
// 上限強制のrevoke-beyond挙動を実際のデータで検証するために使う。
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	nextID   int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (f *fakeSessionRepo) Create(ctx context.Context, session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	session.ID = fmt.Sprintf("session-%d", f.nextID)
	session.CreatedAt = time.Now()
	if session.LastSeenAt.IsZero() {
		session.LastSeenAt = time.Now()
	}
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeSessionRepo) FindActiveAndTouch(ctx context.Context, tokenHash string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TokenHash == tokenHash && s.IsActive(time.Now()) {
			s.LastSeenAt = time.Now()
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionRepo) FindActiveByDeviceSession(ctx context.Context, identityID, deviceSessionID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Session
	for _, s := range f.sessions {
		if s.IdentityID == identityID && s.DeviceInfo.DeviceSessionID == deviceSessionID && s.IsActive(time.Now()) {
			if best == nil || s.LastSeenAt.After(best.LastSeenAt) {
				best = s
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeSessionRepo) UpdateToken(ctx context.Context, sessionID, tokenHash string, expiresAt time.Time, deviceInfo model.DeviceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Revoked {
		return errors.New("session not found or revoked")
	}
	s.TokenHash = tokenHash
	s.ExpiresAt = expiresAt
	s.DeviceInfo = deviceInfo
	s.LastSeenAt = time.Now()
	return nil
}

func (f *fakeSessionRepo) ListActiveByIdentity(ctx context.Context, identityID string) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*model.Session
	for _, s := range f.sessions {
		if s.IdentityID == identityID && s.IsActive(time.Now()) {
			copied := *s
			active = append(active, &copied)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastSeenAt.After(active[j].LastSeenAt)
	})
	return active, nil
}

func (f *fakeSessionRepo) RevokeBeyond(ctx context.Context, identityID string, keep int) (int64, error) {
	active, _ := f.ListActiveByIdentity(ctx, identityID)
	f.mu.Lock()
	defer f.mu.Unlock()
	var revoked int64
	for i, s := range active {
		if i >= keep {
			f.sessions[s.ID].Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

func (f *fakeSessionRepo) Revoke(ctx context.Context, identityID, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.IdentityID != identityID || s.Revoked {
		return false, nil
	}
	s.Revoked = true
	return true, nil
}

func (f *fakeSessionRepo) RevokeAllExcept(ctx context.Context, identityID, keepTokenHash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var revoked int64
	for _, s := range f.sessions {
		if s.IdentityID == identityID && !s.Revoked && (keepTokenHash == "" || s.TokenHash != keepTokenHash) {
			s.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

func (f *fakeSessionRepo) MarkExpiredRevoked(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeSessionRepo) DeleteStale(ctx context.Context) (int64, error)        { return 0, nil }

var _ repository.SessionRepository = (*fakeSessionRepo)(nil)

func newTestRegistry(repo repository.SessionRepository, maxSessions int) *Registry {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewRegistry(repo, metrics.NopCollector{}, time.Hour, maxSessions, logger)
}

// --- テスト ---

// TestTokenHash_Format はトークンハッシュが64桁小文字hexであることを検証する。
func TestTokenHash_Format(t *testing.T) {
	hash := TokenHash("some-raw-token")
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(hash) {
		t.Errorf("hash %q is not 64 lowercase hex chars", hash)
	}
	if hash != TokenHash("some-raw-token") {
		t.Error("hash must be deterministic")
	}
	if hash == TokenHash("other-token") {
		t.Error("different tokens must hash differently")
	}
}

// TestRegistry_Open_ReturnsRawTokenAndStoresHash は生トークンが返され、
// ストアにはハッシュのみが保存されることを検証する。
func TestRegistry_Open_ReturnsRawTokenAndStoresHash(t *testing.T) {
	repo := newFakeSessionRepo()
	registry := newTestRegistry(repo, 5)

	result, err := registry.Open(context.Background(), "identity-1", model.DeviceInfo{}, "203.0.113.1")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if result.RawToken == "" {
		t.Fatal("expected non-empty raw token")
	}
	if result.Session.TokenHash != TokenHash(result.RawToken) {
		t.Error("stored hash must be the SHA-256 of the raw token")
	}
	if result.Session.TokenHash == result.RawToken {
		t.Error("raw token must not be stored")
	}
}

// TestRegistry_Open_EnforcesLimitOldestFirst は上限3でS1..S4を開いたとき
// 最も古いS1だけが失効することを検証する。
func TestRegistry_Open_EnforcesLimitOldestFirst(t *testing.T) {
	repo := newFakeSessionRepo()
	registry := newTestRegistry(repo, 3)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		result, err := registry.Open(ctx, "identity-1", model.DeviceInfo{}, "")
		if err != nil {
			t.Fatalf("Open #%d returned error: %v", i+1, err)
		}
		tokens = append(tokens, result.RawToken)
		// last_seen_atの順序を安定させる
		time.Sleep(2 * time.Millisecond)
	}

	result, err := registry.Open(ctx, "identity-1", model.DeviceInfo{}, "")
	if err != nil {
		t.Fatalf("4th Open returned error: %v", err)
	}
	if result.RevokedCount != 1 {
		t.Errorf("RevokedCount = %d, want 1", result.RevokedCount)
	}

	// S1は失効、S2..S4は有効
	if _, err := registry.Validate(ctx, tokens[0]); !errors.Is(err, model.NewAuthRequiredError()) {
		t.Errorf("S1 should be revoked, got %v", err)
	}
	for i, token := range append(tokens[1:], result.RawToken) {
		if _, err := registry.Validate(ctx, token); err != nil {
			t.Errorf("S%d should remain active, got error: %v", i+2, err)
		}
	}
}

// TestRegistry_Open_ReusesDeviceSession は同一デバイスセッションIDの再ログインが
// 新しい行を作らずトークンを差し替えることを検証する。
func TestRegistry_Open_ReusesDeviceSession(t *testing.T) {
	repo := newFakeSessionRepo()
	registry := newTestRegistry(repo, 5)
	ctx := context.Background()
	device := model.DeviceInfo{DeviceSessionID: "device-uuid-1", Name: "MacBook"}

	first, err := registry.Open(ctx, "identity-1", device, "")
	if err != nil {
		t.Fatalf("first Open returned error: %v", err)
	}

	second, err := registry.Open(ctx, "identity-1", device, "")
	if err != nil {
		t.Fatalf("second Open returned error: %v", err)
	}
	if !second.Reused {
		t.Error("expected session row to be reused")
	}
	if second.Session.ID != first.Session.ID {
		t.Errorf("session ID changed: %q → %q", first.Session.ID, second.Session.ID)
	}

	// 古いトークンは無効、新しいトークンは有効
	if _, err := registry.Validate(ctx, first.RawToken); !errors.Is(err, model.NewAuthRequiredError()) {
		t.Errorf("old token should be invalid, got %v", err)
	}
	if _, err := registry.Validate(ctx, second.RawToken); err != nil {
		t.Errorf("new token should be valid, got %v", err)
	}

	sessions, _ := registry.List(ctx, "identity-1")
	if len(sessions) != 1 {
		t.Errorf("len(sessions) = %d, want 1 (no duplicate rows)", len(sessions))
	}
}

// TestRegistry_Validate_ExpiredSession は期限切れセッションがスイープの実行状況に
// かかわらず拒否されることを検証する。
func TestRegistry_Validate_ExpiredSession(t *testing.T) {
	repo := newFakeSessionRepo()
	registry := newTestRegistry(repo, 5)
	ctx := context.Background()

	session := &model.Session{
		IdentityID: "identity-1",
		TokenHash:  TokenHash("expired-token"),
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	_, err := registry.Validate(ctx, "expired-token")
	if !errors.Is(err, model.NewAuthRequiredError()) {
		t.Errorf("expected AUTH_REQUIRED for expired session, got %v", err)
	}
}

// TestRegistry_Validate_EmptyToken は空トークンがAUTH_REQUIREDになることを検証する。
func TestRegistry_Validate_EmptyToken(t *testing.T) {
	registry := newTestRegistry(newFakeSessionRepo(), 5)
	_, err := registry.Validate(context.Background(), "")
	if !errors.Is(err, model.NewAuthRequiredError()) {
		t.Errorf("expected AUTH_REQUIRED, got %v", err)
	}
}

// TestRegistry_Revoke_OtherIdentitySession は他人のセッションを失効できないことを検証する。
func TestRegistry_Revoke_OtherIdentitySession(t *testing.T) {
	repo := newFakeSessionRepo()
	registry := newTestRegistry(repo, 5)
	ctx := context.Background()

	result, err := registry.Open(ctx, "identity-1", model.DeviceInfo{}, "")
	if err != nil {
		t.Fatal(err)
	}

	err = registry.Revoke(ctx, "identity-2", result.Session.ID)
	if !errors.Is(err, model.NewValidationError("")) {
		t.Errorf("expected validation error, got %v", err)
	}

	// 本人のセッションは有効のまま
	if _, err := registry.Validate(ctx, result.RawToken); err != nil {
		t.Errorf("session should remain valid, got %v", err)
	}
}

// TestRegistry_RevokeAllExcept_KeepsCurrent は現在のセッション以外が
// すべて失効することを検証する。
func TestRegistry_RevokeAllExcept_KeepsCurrent(t *testing.T) {
	repo := newFakeSessionRepo()
	registry := newTestRegistry(repo, 5)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		result, err := registry.Open(ctx, "identity-1", model.DeviceInfo{}, "")
		if err != nil {
			t.Fatal(err)
		}
		tokens = append(tokens, result.RawToken)
	}

	revoked, err := registry.RevokeAllExcept(ctx, "identity-1", tokens[2])
	if err != nil {
		t.Fatalf("RevokeAllExcept returned error: %v", err)
	}
	if revoked != 2 {
		t.Errorf("revoked = %d, want 2", revoked)
	}

	if _, err := registry.Validate(ctx, tokens[2]); err != nil {
		t.Errorf("current session should remain valid, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := registry.Validate(ctx, tokens[i]); !errors.Is(err, model.NewAuthRequiredError()) {
			t.Errorf("token #%d should be revoked, got %v", i+1, err)
		}
	}
}
