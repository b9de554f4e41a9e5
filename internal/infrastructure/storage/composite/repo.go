package composite

import (
	"context"

	"github.com/rs/zerolog/log"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
)

// Repo 主库 + 副本：主库失败即失败，副本只记录日志
// 读取只走主库
type Repo struct {
	primary  port.PositionStore
	replicas []port.PositionStore
}

func New(primary port.PositionStore, replicas ...port.PositionStore) *Repo {
	// nil replicas are allowed; filter in constructor for safety
	out := make([]port.PositionStore, 0, len(replicas))
	for _, r := range replicas {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{primary: primary, replicas: out}
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.Position) error {
	if err := r.primary.SavePosition(ctx, pos); err != nil {
		return err
	}
	for _, repo := range r.replicas {
		if err := repo.SavePosition(ctx, pos); err != nil {
			log.Warn().Err(err).Str("state_key", pos.StateKey).Msg("replica write failed")
		}
	}
	return nil
}

func (r *Repo) GetPosition(ctx context.Context, stateKey string) (*model.Position, error) {
	return r.primary.GetPosition(ctx, stateKey)
}

func (r *Repo) ListPositions(ctx context.Context, statuses ...model.Status) ([]*model.Position, error) {
	return r.primary.ListPositions(ctx, statuses...)
}

// Close 关闭全部存储，返回第一个错误
func (r *Repo) Close() error {
	var firstErr error
	for _, repo := range append([]port.PositionStore{r.primary}, r.replicas...) {
		if err := repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.PositionStore = (*Repo)(nil)
