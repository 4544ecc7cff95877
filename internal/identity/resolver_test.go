package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/nklact/norma-identity/internal/metrics"
	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/repository"
)

// --- モック ---

type mockTxOps struct {
	findByProviderSubjectFn  func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	findTrialByFingerprintFn func(ctx context.Context, fingerprint string) (*model.Identity, error)
	findUnlinkedByEmailFn    func(ctx context.Context, email string) (*model.Identity, error)
	promoteFn                func(ctx context.Context, id string, p repository.PromoteParams) (*model.Identity, error)
	createRegisteredFn       func(ctx context.Context, p repository.RegisterParams) (*model.Identity, error)
	restoreFn                func(ctx context.Context, id string) error
}

func (m *mockTxOps) FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderSubjectFn != nil {
		return m.findByProviderSubjectFn(ctx, provider, providerUserID)
	}
	return nil, nil
}
func (m *mockTxOps) FindTrialByFingerprintForUpdate(ctx context.Context, fingerprint string) (*model.Identity, error) {
	if m.findTrialByFingerprintFn != nil {
		return m.findTrialByFingerprintFn(ctx, fingerprint)
	}
	return nil, nil
}
func (m *mockTxOps) FindUnlinkedByEmailForUpdate(ctx context.Context, email string) (*model.Identity, error) {
	if m.findUnlinkedByEmailFn != nil {
		return m.findUnlinkedByEmailFn(ctx, email)
	}
	return nil, nil
}
func (m *mockTxOps) Promote(ctx context.Context, id string, p repository.PromoteParams) (*model.Identity, error) {
	if m.promoteFn != nil {
		return m.promoteFn(ctx, id, p)
	}
	return nil, errors.New("unexpected Promote call")
}
func (m *mockTxOps) CreateRegistered(ctx context.Context, p repository.RegisterParams) (*model.Identity, error) {
	if m.createRegisteredFn != nil {
		return m.createRegisteredFn(ctx, p)
	}
	return nil, errors.New("unexpected CreateRegistered call")
}
func (m *mockTxOps) Restore(ctx context.Context, id string) error {
	if m.restoreFn != nil {
		return m.restoreFn(ctx, id)
	}
	return nil
}

type mockIdentityRepo struct {
	tx      *mockTxOps
	inTxErr error
}

func (m *mockIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	return nil, nil
}
func (m *mockIdentityRepo) FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	return nil, nil
}
func (m *mockIdentityRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	return nil, nil
}
func (m *mockIdentityRepo) FindTrialByFingerprint(ctx context.Context, fingerprint string) (*model.Identity, error) {
	return nil, nil
}
func (m *mockIdentityRepo) CreateTrial(ctx context.Context, fingerprint string, quota int64) (*model.Identity, error) {
	return nil, nil
}
func (m *mockIdentityRepo) ConsumeQuota(ctx context.Context, id string, n int64) (*int64, bool, error) {
	return nil, false, nil
}
func (m *mockIdentityRepo) SoftDelete(ctx context.Context, id string) error { return nil }
func (m *mockIdentityRepo) Restore(ctx context.Context, id string) error    { return nil }
func (m *mockIdentityRepo) HardDelete(ctx context.Context, id string) (bool, error) {
	return false, nil
}
func (m *mockIdentityRepo) DeleteExpiredGrace(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	return 0, nil
}
func (m *mockIdentityRepo) InTx(ctx context.Context, fn func(tx repository.IdentityTxOps) error) error {
	if m.inTxErr != nil {
		return m.inTxErr
	}
	return fn(m.tx)
}

type mockMigrator struct {
	migrateFn func(ctx context.Context, fromID, toID string) (int64, error)
	called    bool
}

func (m *mockMigrator) Migrate(ctx context.Context, fromID, toID string) (int64, error) {
	m.called = true
	if m.migrateFn != nil {
		return m.migrateFn(ctx, fromID, toID)
	}
	return 0, nil
}

func newTestResolver(repo repository.IdentityRepository, migrator OwnershipMigrator) *Resolver {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewResolver(repo, migrator, metrics.NopCollector{}, 20, logger)
}

const testFingerprint = "a3f1b2c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1c2d3e4f5a6b7c8d9e0f1a2"

func googleParams() ResolveParams {
	return ResolveParams{
		Provider:       "google",
		ProviderUserID: "google-sub-1",
		Email:          "user@example.com",
		EmailVerified:  true,
		Fingerprint:    testFingerprint,
	}
}

// --- テスト ---

// TestResolver_Resolve_IdempotentRelogin は同一サブジェクトの再ログインが
// 昇格なしで既存のアイデンティティを返すことを検証する。
func TestResolver_Resolve_IdempotentRelogin(t *testing.T) {
	existing := &model.Identity{
		ID:           "registered-1",
		Kind:         model.IdentityKindRegistered,
		Email:        "user@example.com",
		AuthProvider: "google",
		Status:       model.IdentityStatusActive,
	}
	promoteCalled := false
	tx := &mockTxOps{
		findByProviderSubjectFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			return existing, nil
		},
		promoteFn: func(ctx context.Context, id string, p repository.PromoteParams) (*model.Identity, error) {
			promoteCalled = true
			return nil, errors.New("should not promote")
		},
	}
	migrator := &mockMigrator{}
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, migrator)

	result, err := resolver.Resolve(context.Background(), googleParams())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if result.Identity.ID != "registered-1" {
		t.Errorf("identity ID = %q, want %q", result.Identity.ID, "registered-1")
	}
	if result.Merged {
		t.Error("re-login must not be reported as a merge")
	}
	if promoteCalled {
		t.Error("Promote must not be called on idempotent re-login")
	}
}

// TestResolver_Resolve_PromotesTrialInPlace はフィンガープリント一致の
// 試用アイデンティティがIDを変えずに昇格することを検証する。
func TestResolver_Resolve_PromotesTrialInPlace(t *testing.T) {
	trial := &model.Identity{
		ID:                "trial-1",
		Kind:              model.IdentityKindTrial,
		DeviceFingerprint: testFingerprint,
		Status:            model.IdentityStatusActive,
	}
	var promotedID string
	var gotParams repository.PromoteParams
	tx := &mockTxOps{
		findTrialByFingerprintFn: func(ctx context.Context, fingerprint string) (*model.Identity, error) {
			return trial, nil
		},
		promoteFn: func(ctx context.Context, id string, p repository.PromoteParams) (*model.Identity, error) {
			promotedID = id
			gotParams = p
			quota := p.Quota
			return &model.Identity{
				ID:             id,
				Kind:           model.IdentityKindRegistered,
				Email:          p.Email,
				AuthProvider:   p.Provider,
				QuotaRemaining: &quota,
				Status:         model.IdentityStatusActive,
			}, nil
		},
	}
	migrator := &mockMigrator{}
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, migrator)

	result, err := resolver.Resolve(context.Background(), googleParams())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if promotedID != "trial-1" {
		t.Errorf("promoted ID = %q, want %q (in-place promotion)", promotedID, "trial-1")
	}
	if result.Identity.ID != "trial-1" {
		t.Errorf("identity ID changed on promotion: got %q", result.Identity.ID)
	}
	if !result.Merged {
		t.Error("promotion should be reported as a merge")
	}
	if gotParams.Quota != 20 {
		t.Errorf("promote quota = %d, want 20", gotParams.Quota)
	}
	if migrator.called {
		t.Error("in-place promotion must not trigger resource migration")
	}
}

// TestResolver_Resolve_NewFingerprintCreatesNewIdentity はフィンガープリントが
// 変わった端末からのログインが既存trialに触れないことを検証する。
func TestResolver_Resolve_NewFingerprintCreatesNewIdentity(t *testing.T) {
	tx := &mockTxOps{
		findTrialByFingerprintFn: func(ctx context.Context, fingerprint string) (*model.Identity, error) {
			// F2では一致なし
			return nil, nil
		},
		createRegisteredFn: func(ctx context.Context, p repository.RegisterParams) (*model.Identity, error) {
			return &model.Identity{
				ID:           "registered-new",
				Kind:         model.IdentityKindRegistered,
				Email:        p.Email,
				AuthProvider: p.Provider,
				Status:       model.IdentityStatusActive,
			}, nil
		},
	}
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, &mockMigrator{})

	result, err := resolver.Resolve(context.Background(), googleParams())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if result.Identity.ID != "registered-new" {
		t.Errorf("identity ID = %q, want %q", result.Identity.ID, "registered-new")
	}
	if result.Merged {
		t.Error("creation must not be reported as a merge")
	}
}

// TestResolver_Resolve_LinksOAuthToPasswordAccount は検証済みメール一致の
// パスワードアカウントに外部IdPがリンクされることを検証する。
func TestResolver_Resolve_LinksOAuthToPasswordAccount(t *testing.T) {
	passwordAccount := &model.Identity{
		ID:           "pw-1",
		Kind:         model.IdentityKindRegistered,
		Email:        "user@example.com",
		PasswordHash: "$2a$10$hash",
		Status:       model.IdentityStatusActive,
	}
	var gotParams repository.PromoteParams
	tx := &mockTxOps{
		findUnlinkedByEmailFn: func(ctx context.Context, email string) (*model.Identity, error) {
			return passwordAccount, nil
		},
		promoteFn: func(ctx context.Context, id string, p repository.PromoteParams) (*model.Identity, error) {
			gotParams = p
			return &model.Identity{
				ID:           id,
				Kind:         model.IdentityKindRegistered,
				Email:        p.Email,
				AuthProvider: p.Provider,
				PasswordHash: passwordAccount.PasswordHash,
				Status:       model.IdentityStatusActive,
			}, nil
		},
	}
	params := googleParams()
	params.Fingerprint = ""
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, &mockMigrator{})

	result, err := resolver.Resolve(context.Background(), params)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if result.Identity.ID != "pw-1" {
		t.Errorf("identity ID = %q, want %q", result.Identity.ID, "pw-1")
	}
	if gotParams.PasswordHash != "" {
		t.Errorf("promote must not overwrite an existing password hash, got %q", gotParams.PasswordHash)
	}
	if result.Merged {
		t.Error("linking a registered account must not be reported as a merge")
	}
}

// TestResolver_Resolve_UnverifiedEmailSkipsEmailMatch は未検証メールでは
// メール一致リンクが行われないことを検証する。
func TestResolver_Resolve_UnverifiedEmailSkipsEmailMatch(t *testing.T) {
	emailLookupCalled := false
	tx := &mockTxOps{
		findUnlinkedByEmailFn: func(ctx context.Context, email string) (*model.Identity, error) {
			emailLookupCalled = true
			return nil, nil
		},
		createRegisteredFn: func(ctx context.Context, p repository.RegisterParams) (*model.Identity, error) {
			return &model.Identity{ID: "registered-new", Status: model.IdentityStatusActive}, nil
		},
	}
	params := googleParams()
	params.EmailVerified = false
	params.Fingerprint = ""
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, &mockMigrator{})

	_, err := resolver.Resolve(context.Background(), params)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if emailLookupCalled {
		t.Error("unverified email must not be matched against existing accounts")
	}
}

// TestResolver_Resolve_MigratesTrialDataToExistingAccount は既存アカウントへの
// ログイン時に端末の試用データが移管されることを検証する。
func TestResolver_Resolve_MigratesTrialDataToExistingAccount(t *testing.T) {
	existing := &model.Identity{
		ID:           "registered-1",
		Kind:         model.IdentityKindRegistered,
		AuthProvider: "google",
		Status:       model.IdentityStatusActive,
	}
	trial := &model.Identity{
		ID:                "trial-1",
		Kind:              model.IdentityKindTrial,
		DeviceFingerprint: testFingerprint,
		Status:            model.IdentityStatusActive,
	}
	tx := &mockTxOps{
		findByProviderSubjectFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			return existing, nil
		},
		findTrialByFingerprintFn: func(ctx context.Context, fingerprint string) (*model.Identity, error) {
			return trial, nil
		},
	}
	var migratedFrom, migratedTo string
	migrator := &mockMigrator{
		migrateFn: func(ctx context.Context, fromID, toID string) (int64, error) {
			migratedFrom = fromID
			migratedTo = toID
			return 3, nil
		},
	}
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, migrator)

	result, err := resolver.Resolve(context.Background(), googleParams())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if migratedFrom != "trial-1" || migratedTo != "registered-1" {
		t.Errorf("migration = %q→%q, want trial-1→registered-1", migratedFrom, migratedTo)
	}
	if result.MigratedFromID != "trial-1" {
		t.Errorf("MigratedFromID = %q, want %q", result.MigratedFromID, "trial-1")
	}
}

// TestResolver_Resolve_MigrationFailureDoesNotFailLogin は移管失敗が
// ログイン自体を失敗させないことを検証する。
func TestResolver_Resolve_MigrationFailureDoesNotFailLogin(t *testing.T) {
	existing := &model.Identity{
		ID:           "registered-1",
		AuthProvider: "google",
		Status:       model.IdentityStatusActive,
	}
	tx := &mockTxOps{
		findByProviderSubjectFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			return existing, nil
		},
		findTrialByFingerprintFn: func(ctx context.Context, fingerprint string) (*model.Identity, error) {
			return &model.Identity{ID: "trial-1", Kind: model.IdentityKindTrial}, nil
		},
	}
	migrator := &mockMigrator{
		migrateFn: func(ctx context.Context, fromID, toID string) (int64, error) {
			return 0, errors.New("db down")
		},
	}
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, migrator)

	result, err := resolver.Resolve(context.Background(), googleParams())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if result.Identity.ID != "registered-1" {
		t.Errorf("identity ID = %q, want %q", result.Identity.ID, "registered-1")
	}
	if result.MigratedFromID != "" {
		t.Error("failed migration must not be reported as migrated")
	}
}

// TestResolver_Resolve_RestoresGraceDeleted は猶予期間中の再ログインで
// アカウントが復元されることを検証する。
func TestResolver_Resolve_RestoresGraceDeleted(t *testing.T) {
	deletedAt := time.Now().Add(-24 * time.Hour)
	existing := &model.Identity{
		ID:           "registered-1",
		AuthProvider: "google",
		Status:       model.IdentityStatusGraceDeleted,
		DeletedAt:    &deletedAt,
	}
	restoredID := ""
	tx := &mockTxOps{
		findByProviderSubjectFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			return existing, nil
		},
		restoreFn: func(ctx context.Context, id string) error {
			restoredID = id
			return nil
		},
	}
	params := googleParams()
	params.Fingerprint = ""
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, &mockMigrator{})

	result, err := resolver.Resolve(context.Background(), params)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if restoredID != "registered-1" {
		t.Errorf("restored ID = %q, want %q", restoredID, "registered-1")
	}
	if !result.Restored {
		t.Error("restoration should be reported")
	}
	if result.Identity.Status != model.IdentityStatusActive {
		t.Errorf("status = %q, want active", result.Identity.Status)
	}
}

// TestResolver_Resolve_EmailConflictReturnsAlreadyLinked はメールの一意性制約
// 違反がALREADY_LINKEDに変換されることを検証する。
func TestResolver_Resolve_EmailConflictReturnsAlreadyLinked(t *testing.T) {
	tx := &mockTxOps{
		createRegisteredFn: func(ctx context.Context, p repository.RegisterParams) (*model.Identity, error) {
			return nil, &pq.Error{Code: "23505", Constraint: repository.ConstraintIdentitiesEmail}
		},
	}
	params := googleParams()
	params.Fingerprint = ""
	params.EmailVerified = false
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, &mockMigrator{})

	_, err := resolver.Resolve(context.Background(), params)
	if !errors.Is(err, model.NewAlreadyLinkedError()) {
		t.Errorf("expected ALREADY_LINKED, got %v", err)
	}
}

// TestResolver_Resolve_SubjectConflictRetriesAndFindsWinner は並行マージに負けた側が
// リトライで勝者の行に収束することを検証する。
func TestResolver_Resolve_SubjectConflictRetriesAndFindsWinner(t *testing.T) {
	winner := &model.Identity{
		ID:           "winner-1",
		AuthProvider: "google",
		Status:       model.IdentityStatusActive,
	}
	attempt := 0
	tx := &mockTxOps{
		findByProviderSubjectFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			if attempt > 0 {
				return winner, nil
			}
			return nil, nil
		},
		createRegisteredFn: func(ctx context.Context, p repository.RegisterParams) (*model.Identity, error) {
			attempt++
			return nil, &pq.Error{Code: "23505", Constraint: repository.ConstraintIdentitiesProviderSubject}
		},
	}
	params := googleParams()
	params.Fingerprint = ""
	params.EmailVerified = false
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, &mockMigrator{})

	result, err := resolver.Resolve(context.Background(), params)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if result.Identity.ID != "winner-1" {
		t.Errorf("identity ID = %q, want %q (loser converges to winner)", result.Identity.ID, "winner-1")
	}
}

// TestResolver_Resolve_SerializationFailureExhaustsToMergeConflict は直列化失敗が
// リトライ後もMERGE_CONFLICTとして返ることを検証する。
func TestResolver_Resolve_SerializationFailureExhaustsToMergeConflict(t *testing.T) {
	repo := &mockIdentityRepo{inTxErr: &pq.Error{Code: "40001"}}
	resolver := newTestResolver(repo, &mockMigrator{})

	params := googleParams()
	_, err := resolver.Resolve(context.Background(), params)
	if !errors.Is(err, model.NewMergeConflictError()) {
		t.Errorf("expected MERGE_CONFLICT, got %v", err)
	}
}

// TestResolver_Resolve_RequiresEmail はメールなしの解決が検証エラーになることを検証する。
func TestResolver_Resolve_RequiresEmail(t *testing.T) {
	resolver := newTestResolver(&mockIdentityRepo{tx: &mockTxOps{}}, &mockMigrator{})
	_, err := resolver.Resolve(context.Background(), ResolveParams{Provider: "google"})
	if !errors.Is(err, model.NewValidationError("")) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

// TestResolver_Resolve_PasswordDuplicateEmailRejected はパスワード登録で
// 同一メールの既存パスワードアカウントが拒否されることを検証する。
func TestResolver_Resolve_PasswordDuplicateEmailRejected(t *testing.T) {
	tx := &mockTxOps{
		findUnlinkedByEmailFn: func(ctx context.Context, email string) (*model.Identity, error) {
			return &model.Identity{
				ID:           "pw-1",
				Email:        email,
				PasswordHash: "$2a$10$hash",
				Status:       model.IdentityStatusActive,
			}, nil
		},
	}
	resolver := newTestResolver(&mockIdentityRepo{tx: tx}, &mockMigrator{})

	_, err := resolver.Resolve(context.Background(), ResolveParams{
		Email:        "user@example.com",
		PasswordHash: "$2a$10$newhash",
	})
	if !errors.Is(err, model.NewAlreadyLinkedError()) {
		t.Errorf("expected ALREADY_LINKED, got %v", err)
	}
}
