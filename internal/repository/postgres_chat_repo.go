package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nklact/norma-identity/internal/model"
)

const chatColumns = `id, owner_identity_id, title, idempotency_key, created_at`

func scanChat(row rowScanner) (*model.Chat, error) {
	var (
		chat model.Chat
		key  sql.NullString
	)
	err := row.Scan(&chat.ID, &chat.OwnerIdentityID, &chat.Title, &key, &chat.CreatedAt)
	if err != nil {
		return nil, err
	}
	chat.IdempotencyKey = key.String
	return &chat, nil
}

func findChat(ctx context.Context, q queryer, where string, args ...any) (*model.Chat, error) {
	query := fmt.Sprintf(`SELECT %s FROM chats WHERE %s`, chatColumns, where)
	chat, err := scanChat(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return chat, nil
}

// PostgresChatRepo はPostgreSQLを使用したチャットリポジトリ。
type PostgresChatRepo struct {
	db *sql.DB
}

// NewPostgresChatRepo はPostgresChatRepoを生成する。
func NewPostgresChatRepo(db *sql.DB) *PostgresChatRepo {
	return &PostgresChatRepo{db: db}
}

// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
func (r *PostgresChatRepo) FindByID(ctx context.Context, id string) (*model.Chat, error) {
	return findChat(ctx, r.db, `id = $1`, id)
}

// FindByIdempotencyKey は所有者と重複排除キーでチャットを検索する。
func (r *PostgresChatRepo) FindByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Chat, error) {
	return findChat(ctx, r.db, `owner_identity_id = $1 AND idempotency_key = $2`, ownerID, key)
}

// CreateWithFirstMessage はチャットと最初のメッセージを
// 同一トランザクションで作成する。部分的な状態は残らない。
// 重複排除キーが一意性制約に衝突した場合はロールバックして既存行を返す。
func (r *PostgresChatRepo) CreateWithFirstMessage(ctx context.Context, chat *model.Chat, msg *model.Message) (*model.Chat, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var key any
	if chat.IdempotencyKey != "" {
		key = chat.IdempotencyKey
	}

	query := fmt.Sprintf(
		`INSERT INTO chats (owner_identity_id, title, idempotency_key)
		 VALUES ($1, $2, $3)
		 RETURNING %s`, chatColumns)

	created, err := scanChat(tx.QueryRowContext(ctx, query, chat.OwnerIdentityID, chat.Title, key))
	if err != nil {
		if IsUniqueViolation(err, ConstraintChatsIdempotencyKey) {
			tx.Rollback()
			existing, findErr := r.FindByIdempotencyKey(ctx, chat.OwnerIdentityID, chat.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			if existing == nil {
				return nil, fmt.Errorf("chat disappeared after duplicate key conflict: %w", err)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, role, content)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		created.ID, msg.Role, msg.Content,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create first message: %w", err)
	}
	msg.ChatID = created.ID

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return created, nil
}

// ListByOwner は所有チャットを作成日時降順で返す。
func (r *PostgresChatRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Chat, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM chats WHERE owner_identity_id = $1 ORDER BY created_at DESC`,
		chatColumns)

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*model.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}

	return chats, nil
}

// CreateMessage はメッセージを作成する。
func (r *PostgresChatRepo) CreateMessage(ctx context.Context, msg *model.Message) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, role, content)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		msg.ChatID, msg.Role, msg.Content,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// ReassignOwner は所有チャット全件の所有者を付け替え、件数を返す。
// 単一UPDATEで行うため、マージ中にリソースの一部だけが
// 新所有者に移った状態が観測されることはない。
func (r *PostgresChatRepo) ReassignOwner(ctx context.Context, fromID, toID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE chats SET owner_identity_id = $2 WHERE owner_identity_id = $1`,
		fromID, toID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign chats: %w", err)
	}
	reassigned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return reassigned, nil
}

// compile-time interface check
var _ ChatRepository = (*PostgresChatRepo)(nil)
