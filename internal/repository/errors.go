package repository

import (
	"errors"

	"github.com/lib/pq"
)

// 一意性制約の名前。マイグレーションSQLの定義と一致させること。
const (
	ConstraintIdentitiesEmail           = "identities_email_key"
	ConstraintIdentitiesProviderSubject = "identities_provider_subject_key"
	ConstraintChatsIdempotencyKey       = "chats_owner_idempotency_key"
)

// IsUniqueViolation はerrが一意性制約違反（SQLSTATE 23505）かを判定する。
// constraintが空でない場合は制約名の一致も要求する。
// エラーメッセージの部分文字列マッチではなく構造化されたエラーコードで判定する。
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// IsSerializationFailure はerrが直列化失敗またはデッドロック
// （SQLSTATE 40001 / 40P01）かを判定する。呼び出し境界での1回リトライの対象。
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
