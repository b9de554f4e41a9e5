package monitor

import (
	"context"
	"fmt"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
)

// Tracker 仓位写入：先落库，再更新内存镜像
// 落库失败时镜像保持不变，下一次 tick 从旧状态重试
type Tracker struct {
	store port.PositionStore
	index *Index
}

func NewTracker(store port.PositionStore, index *Index) *Tracker {
	return &Tracker{store: store, index: index}
}

func (t *Tracker) Index() *Index { return t.index }

func (t *Tracker) Store() port.PositionStore { return t.store }

// Save 持久化并更新镜像
func (t *Tracker) Save(ctx context.Context, pos model.Position) error {
	if err := t.store.SavePosition(ctx, &pos); err != nil {
		return fmt.Errorf("save position %s: %w", pos.StateKey, err)
	}
	t.index.Put(pos)
	return nil
}

// Retire 持久化终态并移出镜像
func (t *Tracker) Retire(ctx context.Context, pos model.Position) error {
	if err := t.store.SavePosition(ctx, &pos); err != nil {
		return fmt.Errorf("retire position %s: %w", pos.StateKey, err)
	}
	t.index.Delete(pos.StateKey)
	return nil
}

// Lookup 先查镜像，再查库
func (t *Tracker) Lookup(ctx context.Context, stateKey string) (model.Position, error) {
	if pos, ok := t.index.Get(stateKey); ok {
		return pos, nil
	}
	p, err := t.store.GetPosition(ctx, stateKey)
	if err != nil {
		return model.Position{}, err
	}
	return *p, nil
}
