package auth

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/nklact/norma-identity/internal/model"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72 // bcryptの入力上限
)

// ValidatePassword はパスワードがポリシーを満たすかを検証する。
func ValidatePassword(password string) error {
	length := utf8.RuneCountInString(password)
	if length < minPasswordLength {
		return model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上にしてください", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		return model.NewValidationError(fmt.Sprintf("パスワードは%dバイト以下にしてください", maxPasswordLength))
	}
	return nil
}

// HashPassword はパスワードのbcryptハッシュを生成する。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword は平文パスワードとハッシュの一致を検証する。
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
