package port

import (
	"context"

	"trailsim/internal/domain/model"
)

// OrderExecutor 交易所下单适配器
// 交易所拒单包装 model.ErrExchangeRejected，网络/超时包装 model.ErrExchangeUnavailable
// clientOrderID 由调用方按仓位确定性生成，同一 ID 重复提交不应产生第二笔成交
type OrderExecutor interface {
	PlaceEntryOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity, refPrice float64) (*model.OrderResult, error)
	PlaceExitOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity float64) (*model.OrderResult, error)
}

// OrderLookup 按 clientOrderID 查询已提交的订单，不存在时返回 model.ErrNotFound
type OrderLookup interface {
	LookupOrder(ctx context.Context, clientOrderID, symbol string) (*model.OrderResult, error)
}
