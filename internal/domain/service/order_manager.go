package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"trailsim/internal/domain/model"
)

// clientOrderID 最长 36 位（Binance newClientOrderId 限制）
const maxClientOrderIDLen = 36

// OrderClient 下单客户端接口
// 错误需区分 model.ErrExchangeRejected（交易所拒单）与 model.ErrExchangeUnavailable（网络/超时）
type OrderClient interface {
	// PlaceEntryOrder 入场单，refPrice 为参考价（限价单价格或模拟成交价）
	PlaceEntryOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity, refPrice float64) (*model.OrderResult, error)

	// PlaceExitOrder 退出单（市价）
	PlaceExitOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity float64) (*model.OrderResult, error)
}

// OrderLookup 可选能力：按 clientOrderID 查单，不存在时返回 model.ErrNotFound
type OrderLookup interface {
	LookupOrder(ctx context.Context, clientOrderID, symbol string) (*model.OrderResult, error)
}

// ClientOrderID 同一仓位同一类订单的 ID 固定，重试与重启恢复都不会产生新订单
func ClientOrderID(stateKey, kind string) string {
	id := stateKey + "-" + kind[:1]
	if len(id) > maxClientOrderIDLen {
		id = id[len(id)-maxClientOrderIDLen:]
	}
	return id
}

// OrderManager 订单管理器 - 带有限次重试的下单
// 只有 ErrExchangeUnavailable 会重试，拒单立即返回
// 客户端支持 OrderLookup 时，每次提交前先按 clientOrderID 查单：
// 超时不代表未成交，查到已有订单就直接返回，不再重复提交
type OrderManager struct {
	client OrderClient
	lookup OrderLookup

	MaxRetries int           // 首次之外的重试次数
	RetryDelay time.Duration // 第 n 次重试前等待 n*RetryDelay
	Timeout    time.Duration // 单次下单超时
}

// NewOrderManager 创建订单管理器
func NewOrderManager(client OrderClient) *OrderManager {
	lookup, _ := client.(OrderLookup)
	return &OrderManager{
		client:     client,
		lookup:     lookup,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

// PlaceEntry 下入场单
func (om *OrderManager) PlaceEntry(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity, refPrice float64) (*model.OrderResult, error) {
	return om.withRetry(ctx, "entry", clientOrderID, symbol, func(cctx context.Context) (*model.OrderResult, error) {
		return om.client.PlaceEntryOrder(cctx, clientOrderID, symbol, side, quantity, refPrice)
	})
}

// PlaceExit 下退出单
func (om *OrderManager) PlaceExit(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity float64) (*model.OrderResult, error) {
	return om.withRetry(ctx, "exit", clientOrderID, symbol, func(cctx context.Context) (*model.OrderResult, error) {
		return om.client.PlaceExitOrder(cctx, clientOrderID, symbol, side, quantity)
	})
}

func (om *OrderManager) withRetry(
	ctx context.Context,
	kind string,
	clientOrderID string,
	symbol string,
	place func(context.Context) (*model.OrderResult, error),
) (*model.OrderResult, error) {
	attempts := om.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s order %s: %w (last error: %v)", kind, symbol, ctx.Err(), lastErr)
			case <-time.After(time.Duration(i) * om.RetryDelay):
			}
		}

		res, err := om.existing(ctx, clientOrderID, symbol)
		if err == nil && res == nil {
			res, err = om.placeOnce(ctx, place)
		}
		if err == nil {
			if res == nil || res.OrderID == "" {
				return nil, fmt.Errorf("%s order %s: %w: empty order id", kind, symbol, model.ErrExchangeRejected)
			}
			return res, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, fmt.Errorf("%s order %s: %w", kind, symbol, err)
		}
		// 超时后订单可能已经成交，无法查单时不能再提交
		if om.lookup == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s order %s: outcome unknown after timeout, not resubmitted: %w", kind, symbol, err)
		}
		log.Warn().
			Err(err).
			Str("symbol", symbol).
			Str("kind", kind).
			Str("client_order_id", clientOrderID).
			Int("attempt", i+1).
			Int("max_attempts", attempts).
			Msg("order attempt failed")
	}

	return nil, fmt.Errorf("%s order %s: %d attempts exhausted: %w", kind, symbol, attempts, lastErr)
}

// existing 查询同一 clientOrderID 是否已经下过单；未找到返回 (nil, nil)
func (om *OrderManager) existing(ctx context.Context, clientOrderID, symbol string) (*model.OrderResult, error) {
	if om.lookup == nil || clientOrderID == "" {
		return nil, nil
	}
	res, err := om.placeOnce(ctx, func(cctx context.Context) (*model.OrderResult, error) {
		return om.lookup.LookupOrder(cctx, clientOrderID, symbol)
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil || res == nil {
		return nil, err
	}
	log.Warn().
		Str("symbol", symbol).
		Str("client_order_id", clientOrderID).
		Str("order_id", res.OrderID).
		Str("status", res.Status).
		Msg("order already on exchange, not resubmitted")
	return res, nil
}

func (om *OrderManager) placeOnce(ctx context.Context, place func(context.Context) (*model.OrderResult, error)) (*model.OrderResult, error) {
	if om.Timeout <= 0 {
		return place(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, om.Timeout)
	defer cancel()

	res, err := place(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, model.ErrExchangeUnavailable) {
		err = fmt.Errorf("%w: %w", model.ErrExchangeUnavailable, err)
	}
	return res, err
}

// IsRetryable 网络/超时类错误可重试，交易所拒单不可重试
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, model.ErrExchangeRejected) {
		return false
	}
	return errors.Is(err, model.ErrExchangeUnavailable)
}
