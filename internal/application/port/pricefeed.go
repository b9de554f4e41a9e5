package port

import (
	"context"
	"time"

	"trailsim/internal/domain/model"
)

type Tick struct {
	Exchange string  // 交易所 "BINANCE"
	Symbol   string  // "BTCUSDT"
	PriceStr string  // raw string
	PriceNum float64 // parsed float64 (best-effort)
	Ts       int64   // unix ms
}

// PriceSource 单一行情来源（REST、WS 缓存等）
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (model.Quote, error)
}

// PriceProvider 行情网关（带重试、熔断、兜底）
type PriceProvider interface {
	GetCurrentPrice(ctx context.Context, symbol string) (model.Quote, error)
}

// PriceCache last-known-good 价格缓存
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	// GetPrice 不存在时返回 model.ErrNotFound
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}
