// Package auth は外部IdPとパスワードによる認証フローを提供する。
package auth

import "context"

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
// EmailVerifiedはプロバイダー側でメール所有が確認済みかを示し、
// 未検証のメールは既存アカウントとの突合に使われない。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Provider       string // "google", "github" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 将来的に複数IdP（Google, GitHub等）に対応するための抽象化。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}
