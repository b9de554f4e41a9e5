package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
)

// Executor 模拟下单：入场单按参考价成交，退出单按实时价成交
type Executor struct {
	prices      port.PriceProvider
	slippageBps float64

	mu       sync.Mutex
	byClient map[string]model.OrderResult
}

func NewExecutor(prices port.PriceProvider, slippageBps float64) *Executor {
	return &Executor{
		prices:      prices,
		slippageBps: slippageBps,
		byClient:    make(map[string]model.OrderResult),
	}
}

func (e *Executor) PlaceEntryOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity, refPrice float64) (*model.OrderResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: paper entry quantity %v", model.ErrExchangeRejected, quantity)
	}
	if res, ok := e.known(clientOrderID); ok {
		return res, nil
	}
	price := refPrice
	if price <= 0 {
		q, err := e.prices.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: paper entry price: %v", model.ErrExchangeUnavailable, err)
		}
		price = q.Price
	}
	return e.fill("entry", clientOrderID, symbol, side, quantity, price), nil
}

func (e *Executor) PlaceExitOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity float64) (*model.OrderResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: paper exit quantity %v", model.ErrExchangeRejected, quantity)
	}
	if res, ok := e.known(clientOrderID); ok {
		return res, nil
	}
	q, err := e.prices.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: paper exit price: %v", model.ErrExchangeUnavailable, err)
	}
	return e.fill("exit", clientOrderID, symbol, side, quantity, q.Price), nil
}

// LookupOrder 按客户端订单 ID 查询模拟成交
func (e *Executor) LookupOrder(ctx context.Context, clientOrderID, symbol string) (*model.OrderResult, error) {
	if res, ok := e.known(clientOrderID); ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: paper order %s", model.ErrNotFound, clientOrderID)
}

// known 同一客户端订单 ID 只成交一次
func (e *Executor) known(clientOrderID string) (*model.OrderResult, bool) {
	if clientOrderID == "" {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.byClient[clientOrderID]
	if !ok {
		return nil, false
	}
	return &res, true
}

// fill 滑点总是对下单方不利
func (e *Executor) fill(kind, clientOrderID, symbol string, side model.Side, quantity, price float64) *model.OrderResult {
	adj := price * e.slippageBps / 10000
	if side == model.SideBuy {
		price += adj
	} else {
		price -= adj
	}

	res := model.OrderResult{
		OrderID:  uuid.NewString(),
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		AvgPrice: price,
		Status:   "FILLED",
	}

	if clientOrderID != "" {
		e.mu.Lock()
		e.byClient[clientOrderID] = res
		e.mu.Unlock()
	}

	log.Info().
		Str("order_id", res.OrderID).
		Str("client_order_id", clientOrderID).
		Str("kind", kind).
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("quantity", quantity).
		Float64("price", price).
		Msg("paper order filled")

	return &res
}

var (
	_ port.OrderExecutor = (*Executor)(nil)
	_ port.OrderLookup   = (*Executor)(nil)
)
