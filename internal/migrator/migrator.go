// Package migrator はアイデンティティ間の所有リソース移管を提供する。
package migrator

import (
	"context"
	"fmt"
	"log/slog"
)

// ChatReassigner は所有チャットの付け替えを行う。
type ChatReassigner interface {
	ReassignOwner(ctx context.Context, fromID, toID string) (int64, error)
}

// IdentityDeleter は不要になったアイデンティティ行を削除する。
type IdentityDeleter interface {
	HardDelete(ctx context.Context, id string) (bool, error)
}

// Migrator は試用アイデンティティの所有リソースを登録済み
// アイデンティティへ移管し、空になった試用行を削除する。
//
// 移管は単一UPDATEで行われるため、一部のリソースだけが移った状態が
// 外部から観測されることはない。移管後の行削除に失敗しても、
// リソースを失った試用行が残るだけで参照整合性は保たれる
// （残った行はスイープの対象になる）。
type Migrator struct {
	chats      ChatReassigner
	identities IdentityDeleter
	logger     *slog.Logger
}

// NewMigrator はMigratorを生成する。
func NewMigrator(chats ChatReassigner, identities IdentityDeleter, logger *slog.Logger) *Migrator {
	return &Migrator{
		chats:      chats,
		identities: identities,
		logger:     logger,
	}
}

// Migrate はfromIDの所有リソースをtoIDへ移管し、移管したリソース数を返す。
// fromIDとtoIDが同一の場合は何もしない。
func (m *Migrator) Migrate(ctx context.Context, fromID, toID string) (int64, error) {
	if fromID == toID {
		return 0, nil
	}

	migrated, err := m.chats.ReassignOwner(ctx, fromID, toID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign resources: %w", err)
	}

	// 移管元の削除は移管の成立後に行う。失敗しても移管自体は有効。
	deleted, err := m.identities.HardDelete(ctx, fromID)
	if err != nil {
		m.logger.Warn("failed to delete migrated-away identity",
			slog.String("identity_id", fromID),
			slog.Any("error", err))
		return migrated, nil
	}
	if !deleted {
		m.logger.Warn("migrated-away identity already gone",
			slog.String("identity_id", fromID))
	}

	m.logger.Info("ownership migrated",
		slog.String("from", fromID),
		slog.String("to", toID),
		slog.Int64("resources", migrated))

	return migrated, nil
}
