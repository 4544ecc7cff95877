// Package chat はアイデンティティが所有するチャットの操作を提供する。
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/nklact/norma-identity/internal/model"
	"github.com/nklact/norma-identity/internal/repository"
)

// QuotaConsumer はメッセージ送信時のクォータ消費を行う。
type QuotaConsumer interface {
	Consume(ctx context.Context, identityID string) (*int64, error)
}

// CreateResult はチャット作成の結果。
type CreateResult struct {
	Chat           *model.Chat
	Message        *model.Message
	QuotaRemaining *int64
	Deduplicated   bool
}

// Service はチャットの作成・メッセージ送信を提供する。
//
// 楽観的作成の重複排除は二段構え:
// プロセス内の並行リクエストはsingleflightで1回の実行に束ね、
// プロセスをまたぐ重複はデータベースの一意キーで既存行に収束させる。
type Service struct {
	chats  repository.ChatRepository
	quota  QuotaConsumer
	group  singleflight.Group
	logger *slog.Logger
}

// NewService はServiceを生成する。
func NewService(chats repository.ChatRepository, quota QuotaConsumer, logger *slog.Logger) *Service {
	return &Service{
		chats:  chats,
		quota:  quota,
		logger: logger,
	}
}

// Create はチャットと最初のメッセージを作成する。
// idempotencyKeyが指定されている場合、同一所有者・同一キーの作成は
// 既存のチャットを返し、クォータは再消費されない。
func (s *Service) Create(ctx context.Context, ownerID, title, idempotencyKey, firstMessage string) (*CreateResult, error) {
	if firstMessage == "" {
		return nil, model.NewValidationError("メッセージ本文が必要です")
	}

	if idempotencyKey == "" {
		return s.createOnce(ctx, ownerID, title, idempotencyKey, firstMessage)
	}

	key := ownerID + "|" + idempotencyKey
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		existing, err := s.chats.FindByIdempotencyKey(ctx, ownerID, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			return &CreateResult{Chat: existing, Deduplicated: true}, nil
		}
		return s.createOnce(ctx, ownerID, title, idempotencyKey, firstMessage)
	})
	if err != nil {
		return nil, err
	}

	result := v.(*CreateResult)
	if shared {
		// 同時リクエストが結果を共有した場合も重複として報告する
		copied := *result
		copied.Deduplicated = true
		return &copied, nil
	}
	return result, nil
}

// createOnce はクォータを消費してチャットを作成する。
func (s *Service) createOnce(ctx context.Context, ownerID, title, idempotencyKey, firstMessage string) (*CreateResult, error) {
	remaining, err := s.quota.Consume(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		Role:    model.MessageRoleUser,
		Content: firstMessage,
	}
	created, err := s.chats.CreateWithFirstMessage(ctx, &model.Chat{
		OwnerIdentityID: ownerID,
		Title:           title,
		IdempotencyKey:  idempotencyKey,
	}, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	s.logger.Info("chat created",
		slog.String("chat_id", created.ID),
		slog.String("identity_id", ownerID))

	return &CreateResult{
		Chat:           created,
		Message:        msg,
		QuotaRemaining: remaining,
	}, nil
}

// SendMessage は既存チャットにユーザーメッセージを追加する。
// クォータを1消費する。他人のチャットへの送信はCHAT_NOT_FOUNDになる
// （存在の有無を漏らさない）。
func (s *Service) SendMessage(ctx context.Context, ownerID, chatID, content string) (*model.Message, *int64, error) {
	if content == "" {
		return nil, nil, model.NewValidationError("メッセージ本文が必要です")
	}

	chat, err := s.chats.FindByID(ctx, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find chat: %w", err)
	}
	if chat == nil || chat.OwnerIdentityID != ownerID {
		return nil, nil, model.NewChatNotFoundError(chatID)
	}

	remaining, err := s.quota.Consume(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}

	msg := &model.Message{
		ChatID:  chatID,
		Role:    model.MessageRoleUser,
		Content: content,
	}
	if err := s.chats.CreateMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("failed to create message: %w", err)
	}

	return msg, remaining, nil
}

// List は所有チャットを作成日時降順で返す。
func (s *Service) List(ctx context.Context, ownerID string) ([]*model.Chat, error) {
	chats, err := s.chats.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}
