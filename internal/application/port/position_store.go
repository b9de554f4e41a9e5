package port

import (
	"context"

	"trailsim/internal/domain/model"
)

// PositionStore 仓位持久化（事实来源）
type PositionStore interface {
	// SavePosition 按 StateKey upsert，订单 ID 只写一次
	SavePosition(ctx context.Context, pos *model.Position) error

	// GetPosition 不存在时返回 model.ErrNotFound
	GetPosition(ctx context.Context, stateKey string) (*model.Position, error)

	// ListPositions 按创建顺序返回，statuses 为空时返回全部
	ListPositions(ctx context.Context, statuses ...model.Status) ([]*model.Position, error)

	Close() error
}
