package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 呼び出し側はCodeで分岐し、メッセージ文字列の内容には依存しない。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, quota, session, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はerrors.Isでコード一致により比較できるようにする。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 定義済みエラーコード
const (
	ErrCodeQuotaExceeded          = "QUOTA_EXCEEDED"
	ErrCodeAlreadyLinked          = "ALREADY_LINKED"
	ErrCodeSessionLimitReached    = "SESSION_LIMIT_REACHED"
	ErrCodeFingerprintUnavailable = "FINGERPRINT_UNAVAILABLE"
	ErrCodeMergeConflict          = "MERGE_CONFLICT"
	ErrCodeAuthRequired           = "AUTH_REQUIRED"
	ErrCodeInvalidCredentials     = "INVALID_CREDENTIALS"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeIdentityNotFound       = "IDENTITY_NOT_FOUND"
	ErrCodeChatNotFound           = "CHAT_NOT_FOUND"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// NewQuotaExceededError はクォータ超過エラーを生成する。
// リクエストは副作用なしで破棄され、ユーザーにはアップグレードまたは登録を促す。
func NewQuotaExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  "メッセージの残り回数がありません。",
		Category: "quota",
		Action:   "アカウント登録またはプランのアップグレードで続行できます。",
	}
}

// NewAlreadyLinkedError はメールアドレスまたはフィンガープリントが
// 既に別のクレデンシャルに紐付いている場合のエラーを生成する。
func NewAlreadyLinkedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyLinked,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "登録済みのアカウントでログインしてください。",
	}
}

// NewSessionLimitReachedError は同時セッション数上限のエラーを生成する。
// 致命的ではなく、最も古いセッションが自動的に失効される。
func NewSessionLimitReachedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionLimitReached,
		Message:  "同時セッション数が上限に達しました。最も古いセッションをログアウトしました。",
		Category: "session",
		Action:   "他のデバイスのセッションはセッション管理画面から確認できます。",
	}
}

// NewFingerprintUnavailableError はフィンガープリントが利用できない場合のエラーを生成する。
// 呼び出し元を失敗させることはなく、永続化されない一時アイデンティティに縮退する。
func NewFingerprintUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeFingerprintUnavailable,
		Message:  "デバイス識別子を取得できませんでした。",
		Category: "system",
		Action:   "このセッションでは一時的な試用枠が適用されます。",
	}
}

// NewMergeConflictError は同一試用アイデンティティへの並行マージの
// 競合エラーを生成する。敗者側は再解決により no-op となる。
func NewMergeConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeMergeConflict,
		Message:  "アカウント統合処理が競合しました。",
		Category: "auth",
		Action:   "もう一度お試しください。",
	}
}

// NewAuthRequiredError は認証が必要なエラーを生成する。
// 期限切れ・失効済みセッションでのアクセスはこのエラーになる。
func NewAuthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthRequired,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認するか、未登録の場合は新規登録してください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewRateLimitedError はログイン試行のレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewIdentityNotFoundError はアイデンティティ未検出のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  "アカウントが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewChatNotFoundError はチャット未検出のエラーを生成する。
func NewChatNotFoundError(chatID string) *APIError {
	return &APIError{
		Code:     ErrCodeChatNotFound,
		Message:  fmt.Sprintf("指定されたチャットが見つかりません: %s", chatID),
		Category: "validation",
		Action:   "チャットIDを確認してください。",
	}
}
